package core

import (
	"net/url"
	"strconv"
)

// Request carries the pieces of an HTTP request the key scheme needs.
type Request struct {
	Method string
	URL    *url.URL
	// UploadID identifies the upload body of a request that has one; zero
	// means no identified upload.
	UploadID int64
}

// GenerateCacheKey derives the backend key for request.
//
// In normal mode the key is the request URL stripped of its fragment,
// username and password, prefixed with "<uploadID>/" when the request has
// an identified upload body. No valid URL begins with a numeral, so the
// prefixed form cannot collide with a plain one. In playback and record
// modes everything is cached and the key is <generation><method><url>,
// where the generation counter advances on every lookup so that repeated
// fetches pull successive recorded instances.
//
// The empty key is reserved for backend construction; this function never
// returns it. Calling it in ModeDisable is a programming error.
func (c *Cache) GenerateCacheKey(request *Request) string {
	c.loop.AssertCurrent()

	if c.mode == ModeDisable {
		panic("core: key generation with caching disabled")
	}

	rawurl := specForRequest(request.URL)

	if c.mode == ModeNormal {
		if request.UploadID != 0 {
			return strconv.FormatInt(request.UploadID, 10) + "/" + rawurl
		}
		return rawurl
	}

	// Lazily initialize; most engines never run in playback or record.
	if c.playback == nil {
		c.playback = make(map[string]int)
	}

	generation := c.playback[rawurl]
	c.playback[rawurl] = generation + 1

	return strconv.Itoa(generation) + request.Method + rawurl
}

// specForRequest canonicalizes a URL for keying: the fragment, username
// and password never affect what the server sends back.
func specForRequest(u *url.URL) string {
	stripped := *u
	stripped.User = nil
	stripped.Fragment = ""
	stripped.RawFragment = ""
	return stripped.String()
}
