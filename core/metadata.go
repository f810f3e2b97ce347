package core

import (
	"net/url"
	"time"
)

// metadataWriter is a detached transaction whose only job is to attach the
// metadata blob to an already-stored entry. Every failure is silent: the
// metadata is an optimization, never required for correctness.
type metadataWriter struct {
	trans    *EntryTransaction
	expected time.Time
	buf      []byte
	verified bool
}

func (w *metadataWriter) write(rawurl string, expected time.Time, buf []byte) {
	u, err := url.Parse(rawurl)
	if err != nil {
		return
	}
	w.expected = expected
	w.buf = buf

	req := &Request{Method: "GET", URL: u}
	rv := w.trans.Start(req, w.onIOComplete)
	if rv != ErrIOPending {
		w.verifyResponse(rv)
	}
}

// verifyResponse checks that the entry we opened still holds the response
// the metadata was computed against. The stored clock value must match
// the expected one exactly.
func (w *metadataWriter) verifyResponse(result Status) {
	w.verified = true
	if result != OK {
		w.selfDestroy()
		return
	}

	w.trans.ReadInfo(func(info EntryInfo, st Status) {
		if st != OK || info.ResponseTime.UnixNano() != w.expected.UnixNano() {
			w.selfDestroy()
			return
		}
		rv := w.trans.WriteMetadata(w.buf, w.onIOComplete)
		if rv != ErrIOPending {
			w.selfDestroy()
		}
	})
}

func (w *metadataWriter) onIOComplete(result Status) {
	if !w.verified {
		w.verifyResponse(result)
		return
	}
	w.selfDestroy()
}

func (w *metadataWriter) selfDestroy() {
	w.trans.Done(true)
}
