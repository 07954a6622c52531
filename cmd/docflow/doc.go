// Command docflow runs and inspects the document pipeline.
//
// serve starts the HTTP API and orchestrator (plus embedded stage workers
// when workers.embedded is set); worker runs standalone stage workers. The
// remaining commands talk to a running server over HTTP or, for the queue
// subcommands, to the job queue directly.
package main
