// Package subgraphruntime indexes blockchain data into an entity store by
// running compiled mapping modules inside a WebAssembly sandbox.
//
// # Architecture Overview
//
// The library is organized into packages with distinct responsibilities:
//
//	subgraphruntime/     Root package with DeploymentID, Link and the guest Memory interfaces
//	├── abi/             Tagged object layout between Go values and guest linear memory
//	├── host/            Host export surface and the mapping execution host (wazero)
//	├── orchestrator/    Deployment assignment: running set, lifecycle events
//	├── scheduler/       Drives hosts from lifecycle events and trigger sources
//	├── manifest/        Manifest model and resolution
//	├── entity/          Entity keys, data and staged operations
//	├── chain/           Blocks, logs, calls and the contract call interface
//	├── resolver/        Content-addressed link resolvers
//	├── store/           SQLite entity store
//	├── triggers/        Trigger sources (channel, NATS)
//	├── server/          Query ingress, admin routes and metrics
//	├── config/          Configuration loading
//	├── telemetry/       Logging, tracing and metrics setup
//	├── errors/          Structured error and trap types
//	└── cmd/             graph-node and mapping-run binaries
//
// # Quick Start
//
//	provider := orchestrator.New(links, st, orchestrator.WithLogger(logger))
//	events, _ := provider.TakeEventStream()
//
//	builder := host.NewBuilder(engine, host.Deps{Store: st, Resolver: links})
//	sched := scheduler.New(builder, triggers.NewChannelSource(0), st,
//	    scheduler.WithEvictor(provider))
//	go sched.Run(ctx, events)
//
//	if err := provider.Start(ctx, "QmDeployment"); err != nil {
//	    log.Fatal(err)
//	}
//
// cmd/graph-node wires the same pieces from a YAML configuration and serves
// queries over HTTP. cmd/mapping-run runs a single handler of a mapping
// module against one trigger.
//
// # Thread Safety
//
// The orchestrator, the store and the trigger sources are safe for
// concurrent use. A RuntimeHost serializes its handler calls; the scheduler
// drives the hosts of a deployment from one goroutine so blocks commit in
// order.
//
// # Memory Model
//
// Guest linear memory can only grow, never shrink. Objects written by the
// host are allocated through the guest's exported allocator and are owned by
// the guest afterwards.
package subgraphruntime
