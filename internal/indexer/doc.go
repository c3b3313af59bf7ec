// Package indexer builds partition indexes from the document store.
//
// A build reads every document of a partition, chunks it, embeds the chunks,
// persists the resulting index and only then publishes it to the catalog.
// A failed build leaves the previously published index in place. Builds of
// the same partition never overlap; a second request while one is running
// fails with ErrRebuildInProgress.
package indexer
