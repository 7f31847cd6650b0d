package sqlinline

const QInsertOrchestrationJob = `--sql 3f1c2a9e-7b64-4d1a-9c3e-8a5f0d62e417
insert into orchestration_jobs(id, maker_id, status, image_count, country, created_at)
values ($1::uuid, nullif($2::text, ''), $3::text, $4::int, nullif($5::text, ''), now());
`
