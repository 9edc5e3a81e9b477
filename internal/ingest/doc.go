// Package ingest turns accepted uploads into servable assets.
//
// Accept stages the source in a per-asset workspace, records the asset and
// hands a Job to a Queue, then returns without waiting for the transcode.
// A Processor pulls jobs from the queue and runs them on a bounded worker
// pool through Pipeline.Process: analyze, transcode, commit, then mark the
// asset ready. Any failure marks the asset failed and discards the
// workspace, so a failed asset never has a directory under the assets root.
//
// Queues come in two flavours. MemoryQueue lives and dies with the process;
// RedisQueue survives restarts, which changes what RecoverInterrupted does
// with assets still in the ingesting state.
//
// Lifecycle transitions are published through a Publisher. NATSPublisher
// sends them to bitriver.vod.asset.<status>; NoopPublisher drops them.
package ingest
