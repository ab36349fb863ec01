// Package registry fetches resource bodies stored as blobs in an OCI
// registry.
//
// Resource identifiers are content digests, so every body is verified
// against its identifier before it is returned. Any oras content.Fetcher can
// back a Provider: a remote repository built with NewRepository, an OCI
// layout on disk, or an in-memory store.
package registry
