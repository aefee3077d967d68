package database

var schema = []string{
	`CREATE TABLE IF NOT EXISTS users (
    tg_id BIGINT NOT NULL PRIMARY KEY,
    username VARCHAR(255),
    first_name VARCHAR(255),
    credits_priority INT NOT NULL DEFAULT 0,
    credits_standard INT NOT NULL DEFAULT 0,
    referred_by BIGINT NULL,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP,
    CHECK (credits_priority >= 0),
    CHECK (credits_standard >= 0)
)`,
	`CREATE TABLE IF NOT EXISTS jobs (
    id BIGINT AUTO_INCREMENT PRIMARY KEY,
    tg_id BIGINT NOT NULL,
    kind VARCHAR(16) NOT NULL,
    request_id VARCHAR(255),
    status VARCHAR(16) NOT NULL,
    payload_json TEXT,
    detail TEXT,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP,
    KEY idx_jobs_status_updated (status, updated_at),
    KEY idx_jobs_request (request_id),
    KEY idx_jobs_owner (tg_id)
)`,
	`CREATE TABLE IF NOT EXISTS payments (
    id BIGINT AUTO_INCREMENT PRIMARY KEY,
    tg_id BIGINT NOT NULL,
    provider VARCHAR(32) NOT NULL,
    charge_id VARCHAR(255) NOT NULL,
    currency VARCHAR(8) NOT NULL,
    amount INT NOT NULL,
    credits INT NOT NULL,
    raw_payload TEXT,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    UNIQUE KEY uniq_provider_charge (provider, charge_id),
    FOREIGN KEY (tg_id) REFERENCES users(tg_id)
)`,
}
