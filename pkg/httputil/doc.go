// Package httputil provides JSON response writers and request decoding for
// the HTTP surface.
//
// Denials and tenant lookup failures use fixed bodies so a caller learns
// nothing about why access failed:
//
//	httputil.WriteAccessDenied(w)   // 403 {"error":"access denied"}
//	httputil.WriteUnavailable(w)    // 503 {"error":"service unavailable"}
//
// Request bodies are decoded strictly and checked with validator struct tags:
//
//	var req CreateGrantRequest
//	if !httputil.DecodeAndValidate(w, r, &req) {
//		return // 400 already written
//	}
package httputil
