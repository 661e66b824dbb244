// Package app is the composition root. It assembles the queue store,
// resource pool, workflow lock, ticket client, executor and coordinator
// from configuration, runs the scheduling loop, and exposes the control
// HTTP surface. It is decoupled from any specific entrypoint like a CLI.
package app
