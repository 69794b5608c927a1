// Package crawler holds the fetch contracts shared by the extractor: request
// and response types, the Fetcher and storage interfaces, URL helpers, the
// host blocklist and the retrying fetcher.
package crawler
