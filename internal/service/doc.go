// Package service assembles a running Courier.
//
// A Service owns the in-process bus and everything connected to it:
//
//	HTTP (httptpc) --> transfer.Handler --bus--> transfer manager (worker)
//	                        |       ^                   |
//	                        |       +--- notifications -+
//	                        v
//	                    namespace (local, or served on the bus)
//
// The transfer handler polls the manager through a gocron backed
// Scheduler, and finished transfers are recorded in the sqlite history
// which is pruned by a cron job.
//
// Shutdown runs in a fixed order. The HTTP listener stops first and the
// handler fails the transfers still active, which releases the waiting
// requests. Only then are the manager, scheduler, bus and history closed.
package service
