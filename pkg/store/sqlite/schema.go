package sqlite

var schema = []string{
	`CREATE TABLE IF NOT EXISTS customers (
		id TEXT PRIMARY KEY,
		balance INTEGER NOT NULL DEFAULT 0,
		spent INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS chatbots (
		id TEXT PRIMARY KEY,
		customer_id TEXT NOT NULL,
		trunk_number TEXT UNIQUE,
		environment TEXT NOT NULL DEFAULT '',
		llm_name TEXT NOT NULL DEFAULT '',
		voice TEXT NOT NULL DEFAULT '',
		namespace TEXT NOT NULL DEFAULT '',
		index_name TEXT NOT NULL DEFAULT '',
		custom_prompt TEXT NOT NULL DEFAULT '',
		handoff_target TEXT NOT NULL DEFAULT '',
		llm_providers TEXT NOT NULL DEFAULT '[]',
		tts_providers TEXT NOT NULL DEFAULT '[]',
		stt_providers TEXT NOT NULL DEFAULT '[]',
		unit_cost INTEGER NOT NULL DEFAULT 0,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS mcp_servers (
		customer_id TEXT NOT NULL,
		url TEXT NOT NULL,
		PRIMARY KEY (customer_id, url)
	)`,
	`CREATE TABLE IF NOT EXISTS reservations (
		id TEXT PRIMARY KEY,
		customer_id TEXT NOT NULL,
		session_id TEXT NOT NULL,
		held INTEGER NOT NULL,
		charged INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_reservations_stale ON reservations(status, updated_at)`,
	`CREATE TABLE IF NOT EXISTS realtime_info (
		customer_id TEXT NOT NULL,
		key TEXT NOT NULL,
		value TEXT NOT NULL,
		updated_at DATETIME NOT NULL,
		PRIMARY KEY (customer_id, key)
	)`,
	`CREATE TABLE IF NOT EXISTS transcripts (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		conversation_id TEXT NOT NULL DEFAULT '',
		customer_id TEXT NOT NULL DEFAULT '',
		user_session_id TEXT NOT NULL DEFAULT '',
		role TEXT NOT NULL,
		chat TEXT NOT NULL,
		character_count INTEGER NOT NULL DEFAULT 0,
		credits INTEGER NOT NULL DEFAULT 0,
		is_question INTEGER NOT NULL DEFAULT 0,
		chat_type TEXT NOT NULL DEFAULT 'normal',
		created_at DATETIME NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_transcripts_session ON transcripts(session_id, seq)`,
	`CREATE TABLE IF NOT EXISTS session_events (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		name TEXT NOT NULL,
		from_state TEXT NOT NULL DEFAULT '',
		to_state TEXT NOT NULL DEFAULT '',
		reason TEXT NOT NULL DEFAULT '',
		detail TEXT NOT NULL DEFAULT '',
		at DATETIME NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS sessions (
		session_id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL DEFAULT '',
		customer_id TEXT NOT NULL DEFAULT '',
		chatbot_id TEXT NOT NULL DEFAULT '',
		direction TEXT NOT NULL DEFAULT '',
		state TEXT NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		reservation_id TEXT NOT NULL DEFAULT '',
		credits_charged INTEGER NOT NULL DEFAULT 0,
		credits_refunded INTEGER NOT NULL DEFAULT 0,
		tokens INTEGER NOT NULL DEFAULT 0,
		turns INTEGER NOT NULL DEFAULT 0,
		handoff_attempts INTEGER NOT NULL DEFAULT 0,
		started_at DATETIME NOT NULL,
		ended_at DATETIME NOT NULL
	)`,
}
