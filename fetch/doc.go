// Package fetch acquires bundle manifests and module payloads.
//
// Locations are dispatched by URL scheme:
//
//	http, https   net/http client
//	s3            s3://bucket/key through a minio client
//	file          local files; bare paths are treated as file locations
//
// Module payloads are looked up in a content-addressed cache by digest
// before any network access. Nothing is retried here.
package fetch
