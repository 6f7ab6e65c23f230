package landscape

// ddl is applied once at open. The store is append-mostly: the only UPDATEs
// anywhere are run/batch/operation status finalisation and node-state
// completion. Everything else is INSERT-only.
//
// Every per-run table carries (run_id, created_at, id) indexes so readers
// can page in a deterministic order; created_at is stored as fixed-width
// UTC text so lexicographic order is chronological order.
const ddl = `
CREATE TABLE IF NOT EXISTS runs (
	run_id            TEXT PRIMARY KEY,
	started_at        TEXT NOT NULL,
	completed_at      TEXT,
	status            TEXT NOT NULL CHECK (status IN ('running','completed','failed','aborted')),
	canonical_version TEXT NOT NULL,
	config_hash       TEXT NOT NULL,
	settings_json     TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS nodes (
	node_id              TEXT PRIMARY KEY,
	run_id               TEXT NOT NULL REFERENCES runs(run_id),
	plugin_name          TEXT NOT NULL,
	plugin_version       TEXT NOT NULL,
	node_type            TEXT NOT NULL CHECK (node_type IN ('source','transform','gate','aggregation','sink')),
	determinism          TEXT NOT NULL CHECK (determinism IN ('deterministic','non_deterministic','external_call')),
	config_hash          TEXT NOT NULL,
	config_json          TEXT NOT NULL,
	schema_hash          TEXT NOT NULL,
	schema_mode          TEXT NOT NULL,
	schema_fields_json   TEXT NOT NULL,
	sequence_in_pipeline INTEGER NOT NULL,
	registered_at        TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS ix_nodes_run ON nodes(run_id, registered_at, node_id);

CREATE TABLE IF NOT EXISTS edges (
	edge_id      TEXT PRIMARY KEY,
	run_id       TEXT NOT NULL REFERENCES runs(run_id),
	from_node_id TEXT NOT NULL REFERENCES nodes(node_id),
	to_node_id   TEXT NOT NULL REFERENCES nodes(node_id),
	label        TEXT NOT NULL,
	default_mode TEXT NOT NULL CHECK (default_mode IN ('move','copy','divert')),
	created_at   TEXT NOT NULL,
	UNIQUE (run_id, from_node_id, label)
);
CREATE INDEX IF NOT EXISTS ix_edges_run ON edges(run_id, created_at, edge_id);

CREATE TABLE IF NOT EXISTS rows (
	row_id           TEXT PRIMARY KEY,
	run_id           TEXT NOT NULL REFERENCES runs(run_id),
	source_node_id   TEXT NOT NULL REFERENCES nodes(node_id),
	row_index        INTEGER NOT NULL,
	source_data_hash TEXT NOT NULL,
	source_data_ref  TEXT,
	created_at       TEXT NOT NULL,
	UNIQUE (run_id, source_node_id, row_index)
);
CREATE INDEX IF NOT EXISTS ix_rows_run ON rows(run_id, created_at, row_id);

CREATE TABLE IF NOT EXISTS tokens (
	token_id         TEXT PRIMARY KEY,
	row_id           TEXT NOT NULL REFERENCES rows(row_id),
	branch_name      TEXT NOT NULL DEFAULT '',
	fork_group_id    TEXT NOT NULL DEFAULT '',
	join_group_id    TEXT NOT NULL DEFAULT '',
	expand_group_id  TEXT NOT NULL DEFAULT '',
	step_in_pipeline INTEGER NOT NULL,
	created_at       TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS ix_tokens_row ON tokens(row_id, created_at, token_id);

CREATE TABLE IF NOT EXISTS token_parents (
	token_id        TEXT NOT NULL REFERENCES tokens(token_id),
	parent_token_id TEXT NOT NULL REFERENCES tokens(token_id),
	ordinal         INTEGER NOT NULL,
	PRIMARY KEY (token_id, parent_token_id)
);

-- Exactly one terminal outcome per token, enforced by a partial unique
-- index; the non-terminal 'buffered' outcome may coexist with the terminal
-- one recorded when the batch flushes.
CREATE TABLE IF NOT EXISTS token_outcomes (
	outcome_id      TEXT PRIMARY KEY,
	run_id          TEXT NOT NULL REFERENCES runs(run_id),
	token_id        TEXT NOT NULL REFERENCES tokens(token_id),
	outcome         TEXT NOT NULL CHECK (outcome IN
		('completed','failed','routed','forked','expanded','coalesced','buffered','consumed_in_batch','quarantined')),
	is_terminal     INTEGER NOT NULL,
	sink_name       TEXT NOT NULL DEFAULT '',
	batch_id        TEXT NOT NULL DEFAULT '',
	fork_group_id   TEXT NOT NULL DEFAULT '',
	join_group_id   TEXT NOT NULL DEFAULT '',
	expand_group_id TEXT NOT NULL DEFAULT '',
	error_hash      TEXT NOT NULL DEFAULT '',
	recorded_at     TEXT NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS ux_token_outcomes_terminal
	ON token_outcomes(token_id) WHERE is_terminal = 1;
CREATE INDEX IF NOT EXISTS ix_token_outcomes_run ON token_outcomes(run_id, recorded_at, outcome_id);

CREATE TABLE IF NOT EXISTS node_states (
	state_id     TEXT PRIMARY KEY,
	token_id     TEXT NOT NULL REFERENCES tokens(token_id),
	run_id       TEXT NOT NULL REFERENCES runs(run_id),
	node_id      TEXT NOT NULL REFERENCES nodes(node_id),
	step_index   INTEGER NOT NULL,
	attempt      INTEGER NOT NULL,
	status       TEXT NOT NULL CHECK (status IN ('running','completed','failed')),
	input_hash   TEXT NOT NULL,
	output_hash  TEXT NOT NULL DEFAULT '',
	error_json   TEXT NOT NULL DEFAULT '',
	duration_ms  REAL NOT NULL DEFAULT 0,
	started_at   TEXT NOT NULL,
	completed_at TEXT
);
CREATE INDEX IF NOT EXISTS ix_node_states_run ON node_states(run_id, started_at, state_id);
CREATE INDEX IF NOT EXISTS ix_node_states_token ON node_states(token_id, started_at, state_id);

CREATE TABLE IF NOT EXISTS routing_events (
	event_id    TEXT PRIMARY KEY,
	state_id    TEXT NOT NULL REFERENCES node_states(state_id),
	edge_id     TEXT NOT NULL REFERENCES edges(edge_id),
	mode        TEXT NOT NULL CHECK (mode IN ('move','copy','divert')),
	reason_hash TEXT NOT NULL DEFAULT '',
	reason_json TEXT NOT NULL DEFAULT '',
	created_at  TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS ix_routing_events_state ON routing_events(state_id, created_at, event_id);

CREATE TABLE IF NOT EXISTS batches (
	batch_id             TEXT PRIMARY KEY,
	run_id               TEXT NOT NULL REFERENCES runs(run_id),
	aggregation_node_id  TEXT NOT NULL REFERENCES nodes(node_id),
	aggregation_state_id TEXT NOT NULL DEFAULT '',
	attempt              INTEGER NOT NULL,
	status               TEXT NOT NULL CHECK (status IN ('draft','executing','completed','failed')),
	trigger_type         TEXT NOT NULL CHECK (trigger_type IN ('count','timeout','end_of_source','custom')),
	trigger_reason       TEXT NOT NULL DEFAULT '',
	created_at           TEXT NOT NULL,
	completed_at         TEXT
);
CREATE INDEX IF NOT EXISTS ix_batches_run ON batches(run_id, created_at, batch_id);

CREATE TABLE IF NOT EXISTS batch_members (
	batch_id TEXT NOT NULL REFERENCES batches(batch_id),
	token_id TEXT NOT NULL REFERENCES tokens(token_id),
	ordinal  INTEGER NOT NULL,
	PRIMARY KEY (batch_id, token_id),
	UNIQUE (batch_id, ordinal)
);

CREATE TABLE IF NOT EXISTS operations (
	operation_id TEXT PRIMARY KEY,
	run_id       TEXT NOT NULL REFERENCES runs(run_id),
	node_id      TEXT NOT NULL REFERENCES nodes(node_id),
	op_type      TEXT NOT NULL CHECK (op_type IN ('source_load','sink_write')),
	status       TEXT NOT NULL CHECK (status IN ('open','completed','failed')),
	error_text   TEXT NOT NULL DEFAULT '',
	duration_ms  REAL NOT NULL DEFAULT 0,
	started_at   TEXT NOT NULL,
	completed_at TEXT
);
CREATE INDEX IF NOT EXISTS ix_operations_run ON operations(run_id, started_at, operation_id);

-- A call belongs to exactly one parent: a node-state (token-scoped
-- transforms) or an operation (source load / sink write).
CREATE TABLE IF NOT EXISTS calls (
	call_id       TEXT PRIMARY KEY,
	state_id      TEXT NOT NULL DEFAULT '',
	operation_id  TEXT NOT NULL DEFAULT '',
	call_index    INTEGER NOT NULL,
	call_type     TEXT NOT NULL CHECK (call_type IN ('llm','http')),
	status        TEXT NOT NULL CHECK (status IN ('success','error')),
	request_hash  TEXT NOT NULL,
	request_ref   TEXT,
	response_hash TEXT NOT NULL DEFAULT '',
	response_ref  TEXT,
	error_json    TEXT NOT NULL DEFAULT '',
	latency_ms    REAL NOT NULL DEFAULT 0,
	created_at    TEXT NOT NULL,
	CHECK ((state_id != '') != (operation_id != '')),
	UNIQUE (state_id, call_type, call_index),
	UNIQUE (operation_id, call_type, call_index)
);
CREATE INDEX IF NOT EXISTS ix_calls_request ON calls(call_type, request_hash, created_at, call_id);

CREATE TABLE IF NOT EXISTS artifacts (
	artifact_id          TEXT PRIMARY KEY,
	run_id               TEXT NOT NULL REFERENCES runs(run_id),
	produced_by_state_id TEXT NOT NULL DEFAULT '',
	sink_node_id         TEXT NOT NULL REFERENCES nodes(node_id),
	artifact_type        TEXT NOT NULL,
	path_or_uri          TEXT NOT NULL,
	content_hash         TEXT NOT NULL,
	size_bytes           INTEGER NOT NULL,
	idempotency_key      TEXT NOT NULL DEFAULT '',
	created_at           TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS ix_artifacts_run ON artifacts(run_id, created_at, artifact_id);

CREATE TABLE IF NOT EXISTS validation_errors (
	error_id    TEXT PRIMARY KEY,
	run_id      TEXT NOT NULL REFERENCES runs(run_id),
	node_id     TEXT NOT NULL REFERENCES nodes(node_id),
	row_hash    TEXT NOT NULL,
	row_json    TEXT NOT NULL,
	message     TEXT NOT NULL,
	schema_mode TEXT NOT NULL,
	destination TEXT NOT NULL DEFAULT '',
	created_at  TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS ix_validation_errors_run ON validation_errors(run_id, created_at, error_id);

CREATE TABLE IF NOT EXISTS transform_errors (
	error_id     TEXT PRIMARY KEY,
	run_id       TEXT NOT NULL REFERENCES runs(run_id),
	token_id     TEXT NOT NULL REFERENCES tokens(token_id),
	transform_id TEXT NOT NULL,
	row_hash     TEXT NOT NULL,
	row_json     TEXT NOT NULL,
	details_json TEXT NOT NULL DEFAULT '',
	destination  TEXT NOT NULL DEFAULT '',
	created_at   TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS ix_transform_errors_run ON transform_errors(run_id, created_at, error_id);

CREATE TABLE IF NOT EXISTS checkpoints (
	checkpoint_id          TEXT PRIMARY KEY,
	run_id                 TEXT NOT NULL REFERENCES runs(run_id),
	token_id               TEXT NOT NULL DEFAULT '',
	node_id                TEXT NOT NULL,
	sequence_number        INTEGER NOT NULL,
	aggregation_state_json TEXT NOT NULL,
	created_at             TEXT NOT NULL,
	UNIQUE (run_id, node_id, sequence_number)
);
`
