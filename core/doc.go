// Package core contains the inspection domain: run lifecycle, idempotency
// claims, the durable outbox contract, compensation, the error budget, and
// the Service that orchestrates them. Transports and stores plug in through
// the interfaces in contracts.go; core must not import them.
package core
