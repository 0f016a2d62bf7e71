// Package infra holds the adapters around the dispatch engine: MQTT
// ingest, the websocket hub, stores, routing backends and metrics sinks.
// They depend on interfaces from core and never on each other's internals.
package infra
