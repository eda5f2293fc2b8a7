package postgres

// SQL statements for the event log and the tracked-model tables.

const eventColumns = `
	id, created_at, happened_at, initiator_id, tenant_id,
	kind, origin, field, new_value, object_dump, entity_kind, entity_id`

const (
	// querySaveEvent appends one immutable event row.
	// RETURNING retrieves the BIGSERIAL id used for fan-out job payloads.
	querySaveEvent = `
		INSERT INTO events (
			created_at, happened_at, initiator_id, tenant_id,
			kind, origin, field, new_value, object_dump, entity_kind, entity_id
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id
	`

	// queryGetEventsByIDs fetches a fan-out batch. IDs that were never
	// persisted simply produce no row; the dispatcher tolerates gaps.
	queryGetEventsByIDs = `
		SELECT` + eventColumns + `
		FROM events
		WHERE id = ANY($1)
		ORDER BY id ASC
	`

	// queryLatestFieldChange returns the newest field-level change event
	// for one field of one entity.
	queryLatestFieldChange = `
		SELECT` + eventColumns + `
		FROM events
		WHERE entity_kind = $1
		  AND entity_id = $2
		  AND kind = 1
		  AND field = $3
		ORDER BY id DESC
		LIMIT 1
	`

	// queryPairedDurations pairs, per order, the first "field became true"
	// event with the last transition into the terminal status, both within
	// [from, to). DISTINCT ON keeps exactly one row per entity on each side.
	queryPairedDurations = `
		SELECT entered.entity_id, entered.happened_at, completed.happened_at
		FROM (
			SELECT DISTINCT ON (entity_id) entity_id, happened_at
			FROM events
			WHERE tenant_id = $1
			  AND kind = 1
			  AND entity_kind = 'order'
			  AND field = $2
			  AND new_value = 'true'
			  AND happened_at >= $3
			  AND happened_at < $4
			ORDER BY entity_id, happened_at ASC
		) entered
		JOIN (
			SELECT DISTINCT ON (entity_id) entity_id, happened_at
			FROM events
			WHERE tenant_id = $1
			  AND kind = 1
			  AND entity_kind = 'order'
			  AND field = 'status'
			  AND new_value = $5
			  AND happened_at >= $3
			  AND happened_at < $4
			ORDER BY entity_id, happened_at DESC
		) completed USING (entity_id)
		WHERE completed.happened_at >= entered.happened_at
		ORDER BY entity_id ASC
	`
)

const orderColumns = `
	id, external_id, merchant_id, driver_id, manager_id, customer_id,
	title, deliver_address, deliver_before, status, cost, deleted,
	concatenated_order_id, geofence_entered, pickup_geofence_entered,
	is_completed_by_geofence, is_confirmed_by_customer, completion_comment,
	time_inside_geofence_ns, time_at_job_ns, updated_at`

const (
	queryGetOrder = `
		SELECT` + orderColumns + `
		FROM orders
		WHERE id = $1
	`

	queryGetOrderByExternalID = `
		SELECT` + orderColumns + `
		FROM orders
		WHERE external_id = $1
	`

	querySaveOrder = `
		INSERT INTO orders (
			external_id, merchant_id, driver_id, manager_id, customer_id,
			title, deliver_address, deliver_before, status, cost, deleted,
			concatenated_order_id, geofence_entered, pickup_geofence_entered,
			is_completed_by_geofence, is_confirmed_by_customer, completion_comment,
			time_inside_geofence_ns, time_at_job_ns, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10,
			$11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
		RETURNING id
	`

	queryUpdateOrder = `
		UPDATE orders SET
			driver_id = $2, manager_id = $3, customer_id = $4,
			title = $5, deliver_address = $6, deliver_before = $7,
			status = $8, cost = $9, deleted = $10,
			concatenated_order_id = $11, geofence_entered = $12,
			pickup_geofence_entered = $13, is_completed_by_geofence = $14,
			is_confirmed_by_customer = $15, completion_comment = $16,
			time_inside_geofence_ns = $17, time_at_job_ns = $18, updated_at = $19
		WHERE id = $1
	`

	// queryListGroupableOrders selects live orders matching a grouping key
	// that are not part of any aggregate yet. IS NOT DISTINCT FROM makes
	// NULL driver/customer match NULL key components.
	queryListGroupableOrders = `
		SELECT` + orderColumns + `
		FROM orders
		WHERE deleted = FALSE
		  AND concatenated_order_id IS NULL
		  AND merchant_id = $1
		  AND status = $2
		  AND driver_id IS NOT DISTINCT FROM $3
		  AND customer_id IS NOT DISTINCT FROM $4
		  AND lower(deliver_address) = lower($5)
		  AND deliver_before >= $6
		  AND deliver_before < $7
		ORDER BY id ASC
	`

	queryListOrdersByDriver = `
		SELECT` + orderColumns + `
		FROM orders
		WHERE deleted = FALSE
		  AND driver_id = $1
		  AND status = ANY($2)
		ORDER BY id ASC
	`
)

const concatenatedColumns = `
	id, merchant_id, driver_id, customer_id, deliver_address,
	deliver_day, status, deleted, order_ids, updated_at`

const (
	queryGetConcatenatedOrder = `
		SELECT` + concatenatedColumns + `
		FROM concatenated_orders
		WHERE id = $1
	`

	queryGetConcatenatedOrderByKey = `
		SELECT` + concatenatedColumns + `
		FROM concatenated_orders
		WHERE deleted = FALSE
		  AND merchant_id = $1
		  AND status = $2
		  AND driver_id IS NOT DISTINCT FROM $3
		  AND customer_id IS NOT DISTINCT FROM $4
		  AND lower(deliver_address) = lower($5)
		  AND deliver_day = $6
		LIMIT 1
	`

	querySaveConcatenatedOrder = `
		INSERT INTO concatenated_orders (
			merchant_id, driver_id, customer_id, deliver_address,
			deliver_day, status, deleted, order_ids, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id
	`

	queryUpdateConcatenatedOrder = `
		UPDATE concatenated_orders SET
			driver_id = $2, customer_id = $3, deliver_address = $4,
			deliver_day = $5, status = $6, deleted = $7, order_ids = $8,
			updated_at = $9
		WHERE id = $1
	`
)

const memberColumns = `
	id, merchant_id, first_name, last_name, email, role,
	is_active, work_status, device_token, updated_at`

const (
	queryGetMember = `
		SELECT` + memberColumns + `
		FROM members
		WHERE id = $1
	`

	queryUpdateMember = `
		UPDATE members SET
			first_name = $2, last_name = $3, email = $4, role = $5,
			is_active = $6, work_status = $7, device_token = $8, updated_at = $9
		WHERE id = $1
	`

	queryListManagers = `
		SELECT` + memberColumns + `
		FROM members
		WHERE merchant_id = $1
		  AND is_active = TRUE
		  AND role IN ('manager', 'admin')
		ORDER BY id ASC
	`
)

const (
	queryGetMerchant = `
		SELECT
			id, name, webhook_urls, webhook_token, webhook_failed_times,
			webhook_abandoned, enable_concatenated_orders,
			notify_not_assigned_orders, checklist_id, timezone, updated_at
		FROM merchants
		WHERE id = $1
	`

	queryUpdateWebhookHealth = `
		UPDATE merchants SET
			webhook_failed_times = $2, webhook_abandoned = $3
		WHERE id = $1
	`
)

const checklistColumns = `
	id, checklist_id, merchant_id, driver_id, order_id,
	day, checklist_type, is_passed, updated_at`

const (
	queryGetResultChecklist = `
		SELECT` + checklistColumns + `
		FROM result_checklists
		WHERE id = $1
	`

	queryFindDailyResult = `
		SELECT` + checklistColumns + `
		FROM result_checklists
		WHERE driver_id = $1
		  AND checklist_type = $2
		  AND day = $3
		LIMIT 1
	`

	querySaveResultChecklist = `
		INSERT INTO result_checklists (
			checklist_id, merchant_id, driver_id, order_id,
			day, checklist_type, is_passed, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id
	`
)

const (
	querySaveWebhookEvent = `
		INSERT INTO webhook_events (
			merchant_id, event_id, url, payload, status_code, success, error, created_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id
	`

	queryListWebhookEvents = `
		SELECT
			id, merchant_id, event_id, url, payload, status_code,
			success, error, created_at
		FROM webhook_events
		WHERE merchant_id = $1
		ORDER BY id DESC
		LIMIT $2
	`
)

const routerLinkColumns = `
	id, entity_kind, entity_id, remote_id, synced, last_action, extra, created_at`

const (
	queryGetRouterLinkByEntity = `
		SELECT` + routerLinkColumns + `
		FROM router_links
		WHERE entity_kind = $1
		  AND entity_id = $2
		LIMIT 1
	`

	querySaveRouterLink = `
		INSERT INTO router_links (
			entity_kind, entity_id, remote_id, synced, last_action, extra, created_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id
	`

	queryUpdateRouterLink = `
		UPDATE router_links SET
			remote_id = $2, synced = $3, last_action = $4, extra = $5
		WHERE id = $1
	`

	queryListUnsyncedRouterLinks = `
		SELECT` + routerLinkColumns + `
		FROM router_links
		WHERE synced = FALSE
		ORDER BY id ASC
		LIMIT $1
	`
)
