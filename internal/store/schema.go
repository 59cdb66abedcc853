package store

// schemaVersion is the current schema version. Migrations are additive only:
// a later binary may open an older database and add tables/columns, but an
// older binary refuses to open a database stamped with a newer version.
const schemaVersion = 1

var tableStatements = []string{
	`CREATE TABLE IF NOT EXISTS tasks (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		status TEXT NOT NULL CHECK(status IN ('queued', 'running', 'done', 'error', 'cancelled')),
		provider TEXT NOT NULL CHECK(provider IN ('slack', 'telegram')),
		workspace_id TEXT NOT NULL,
		channel_id TEXT NOT NULL,
		thread_ts TEXT NOT NULL DEFAULT '',
		event_ts TEXT NOT NULL DEFAULT '',
		conversation_key TEXT NOT NULL,
		requested_by_user_id TEXT NOT NULL DEFAULT '',
		prompt_text TEXT NOT NULL,
		result_text TEXT,
		error_text TEXT,
		is_proactive INTEGER NOT NULL DEFAULT 0,
		reenqueue_count INTEGER NOT NULL DEFAULT 0,
		cancel_requested INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		started_at DATETIME,
		finished_at DATETIME
	);`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_queue_order ON tasks(status, created_at, id);`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_conversation ON tasks(conversation_key, created_at);`,

	`CREATE TABLE IF NOT EXISTS sessions (
		conversation_key TEXT PRIMARY KEY,
		thread_id TEXT NOT NULL DEFAULT '',
		memory_summary TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);`,

	`CREATE TABLE IF NOT EXISTS conversation_locks (
		conversation_key TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		lease_until DATETIME NOT NULL
	);`,

	`CREATE TABLE IF NOT EXISTS runtime_active_tasks (
		task_id INTEGER PRIMARY KEY,
		conversation_key TEXT NOT NULL,
		owner_id TEXT NOT NULL,
		started_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);`,

	`CREATE TABLE IF NOT EXISTS approvals (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL CHECK(kind IN ('command_execution', 'guardrail_rule_add', 'cron_job_add')),
		status TEXT NOT NULL CHECK(status IN ('pending', 'approved', 'denied', 'expired')),
		decision TEXT CHECK(decision IN ('approve', 'deny', 'always')),
		workspace_id TEXT NOT NULL,
		channel_id TEXT NOT NULL,
		thread_ts TEXT NOT NULL DEFAULT '',
		requested_by_user_id TEXT NOT NULL DEFAULT '',
		details TEXT NOT NULL,
		decided_by TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		resolved_at DATETIME
	);`,
	`CREATE INDEX IF NOT EXISTS idx_approvals_status ON approvals(status, created_at);`,

	`CREATE TABLE IF NOT EXISTS guardrail_rules (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		kind TEXT NOT NULL,
		pattern_kind TEXT NOT NULL CHECK(pattern_kind IN ('regex', 'exact', 'substring')),
		pattern TEXT NOT NULL,
		action TEXT NOT NULL CHECK(action IN ('allow', 'require_approval', 'deny')),
		priority INTEGER NOT NULL DEFAULT 100,
		enabled INTEGER NOT NULL DEFAULT 1,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);`,
	`CREATE INDEX IF NOT EXISTS idx_guardrail_rules_match_order ON guardrail_rules(kind, enabled, priority, created_at);`,

	`CREATE TABLE IF NOT EXISTS cron_jobs (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		enabled INTEGER NOT NULL DEFAULT 1,
		schedule_kind TEXT NOT NULL CHECK(schedule_kind IN ('every', 'cron', 'at')),
		every_seconds INTEGER,
		cron_expr TEXT,
		at_ts DATETIME,
		provider TEXT NOT NULL CHECK(provider IN ('slack', 'telegram')),
		workspace_id TEXT NOT NULL,
		channel_id TEXT NOT NULL,
		thread_ts TEXT NOT NULL DEFAULT '',
		prompt_text TEXT NOT NULL,
		mode TEXT NOT NULL CHECK(mode IN ('agent', 'message')),
		next_run_at DATETIME,
		last_run_at DATETIME,
		last_status TEXT,
		last_error TEXT,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);`,
	`CREATE INDEX IF NOT EXISTS idx_cron_jobs_due ON cron_jobs(enabled, next_run_at);`,

	`CREATE TABLE IF NOT EXISTS processed_events (
		workspace_id TEXT NOT NULL,
		event_id TEXT NOT NULL,
		processed_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (workspace_id, event_id)
	);`,

	`CREATE TABLE IF NOT EXISTS telegram_messages (
		chat_id TEXT NOT NULL,
		message_id TEXT NOT NULL,
		user_id TEXT NOT NULL DEFAULT '',
		text TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (chat_id, message_id)
	);`,
	`CREATE INDEX IF NOT EXISTS idx_telegram_messages_chat ON telegram_messages(chat_id, created_at);`,

	`CREATE TABLE IF NOT EXISTS settings (
		id INTEGER PRIMARY KEY CHECK(id = 1),
		permissions_mode TEXT NOT NULL DEFAULT 'read' CHECK(permissions_mode IN ('read', 'write', 'all')),
		command_approval_mode TEXT NOT NULL DEFAULT 'guardrails' CHECK(command_approval_mode IN ('auto', 'guardrails', 'always_ask')),
		auto_apply_guardrail_tighten INTEGER NOT NULL DEFAULT 0,
		auto_apply_cron_jobs INTEGER NOT NULL DEFAULT 0,
		allowed_write_roots TEXT NOT NULL DEFAULT '',
		slack_allow_from TEXT NOT NULL DEFAULT '',
		telegram_allow_from TEXT NOT NULL DEFAULT '',
		web_allow_domains TEXT NOT NULL DEFAULT '',
		web_deny_domains TEXT NOT NULL DEFAULT '',
		agent_name TEXT NOT NULL DEFAULT 'taskloom',
		agent_role_description TEXT NOT NULL DEFAULT ''
	);`,

	`CREATE TABLE IF NOT EXISTS observational_memory (
		memory_key TEXT PRIMARY KEY,
		scope TEXT NOT NULL CHECK(scope IN ('thread', 'resource')),
		observation_log TEXT NOT NULL DEFAULT '',
		reflection_summary TEXT NOT NULL DEFAULT '',
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);`,
}

// seedStatements populate rows that must exist but are never created through
// normal application operations: the Settings singleton and the default
// guardrail rule set.
var seedStatements = []string{
	`INSERT OR IGNORE INTO settings (id) VALUES (1);`,
}
