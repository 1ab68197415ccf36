// Package main hosts the rankwatch binary.
//
// Architecture overview:
//   - Crawl pass: the hourly scheduler triggers orchestrator.Run, which fetches every category ranking page through
//     the rate-limited Colly fetcher, extracts products with goquery, merges them into the in-memory store and
//     persists a JSON snapshot (local file, GCS or memory). A compact pass event is published to Pub/Sub when enabled.
//   - Capture delivery: when mail is enabled the pass ends with a Chromedp screenshot run; the captures of the
//     current bucket are zipped in parts and mailed over SMTP. A daily janitor removes captures from earlier days.
//   - Query API: chi serves ranking, search, crawl time, failure and capture endpoints backed by the store, plus
//     /healthz, /readyz and /metrics.
//
// Quick checklist:
//   - Configure env vars: RANKWATCH_SERVER_PORT, RANKWATCH_STORE_BACKEND, RANKWATCH_MAIL_ENABLED, EMAIL_USER and
//     EMAIL_PASS (or RANKWATCH_MAIL_USERNAME / RANKWATCH_MAIL_PASSWORD). A .env file in the working directory is read.
//   - Run locally: go run ./cmd/rankwatch serve --config config.yaml
//   - One pass without the server: go run ./cmd/rankwatch crawl
package main
