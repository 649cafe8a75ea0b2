// Package webcache provides a caching HTTP layer for web resources:
// files are fetched over HTTP, persisted on local disk under a bounded
// least-recently-used cache, and re-served either whole or as byte
// ranges.
//
// The high-level API is [Client]: [Client.GetFile] returns the local
// path of a cached download, deduplicating concurrent fetches of the
// same URL; [Client.GetAsJSON] additionally transcodes JSON documents
// to a compact binary form so repeat reads skip text parsing.
//
// Byte-range access to partially downloaded content lives in the
// [github.com/meigma/webcache/partial] subpackage, and the
// [github.com/meigma/webcache/proxy] subpackage exposes those ranges
// over a loopback HTTP server for consumers that speak Range requests,
// such as media players.
//
// # Quick start
//
//	c, err := webcache.New(cacheDir)
//	if err != nil {
//	    return err
//	}
//	defer c.Close()
//
//	path, err := c.GetFile(ctx, "https://example.com/image.png")
//
// # Concurrent access
//
// All Client methods are safe for concurrent use. Whole-file downloads
// and range reads of the same URL are not synchronized against each
// other; callers must not mix the two for one URL at the same time.
package webcache
