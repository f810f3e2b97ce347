package core

import (
	"bytes"
	"testing"
	"time"
)

func TestWriteMetadata(t *testing.T) {
	c, b := newTestCache(t, completeSync)

	stored := time.Unix(0, 1234567891234)
	be := b.seed("https://a/")
	be.streams[DataInfo] = EncodeEntryInfo(EntryInfo{ResponseTime: stored})

	sync(c, func() { c.WriteMetadata("https://a/", stored, []byte("metadata")) })
	drain(c)

	if !bytes.Equal(be.streams[DataMetadata], []byte("metadata")) {
		t.Fatalf("metadata stream is %q", be.streams[DataMetadata])
	}
	// the detached transaction let go of the entry again
	sync(c, func() {
		if len(c.activeEntries) != 0 {
			t.Fatal("entry still active")
		}
	})
	if be.closes != 1 {
		t.Fatalf("entry closed %d times", be.closes)
	}
}

func TestWriteMetadataTimeMismatch(t *testing.T) {
	c, b := newTestCache(t, completeSync)

	stored := time.Unix(0, 1234567891234)
	be := b.seed("https://a/")
	be.streams[DataInfo] = EncodeEntryInfo(EntryInfo{ResponseTime: stored})

	// off by a single nanosecond: the comparison is exact
	sync(c, func() { c.WriteMetadata("https://a/", stored.Add(time.Nanosecond), []byte("metadata")) })
	drain(c)

	if len(be.streams[DataMetadata]) != 0 {
		t.Fatal("metadata written despite response time mismatch")
	}
	sync(c, func() {
		if len(c.activeEntries) != 0 {
			t.Fatal("entry still active")
		}
	})
}

func TestWriteMetadataNothingStored(t *testing.T) {
	c, _ := newTestCache(t, completeSync)

	// silently a no-op
	sync(c, func() { c.WriteMetadata("https://missing/", time.Now(), []byte("metadata")) })
	drain(c)

	sync(c, func() {
		if len(c.activeEntries) != 0 || len(c.pendingOps) != 0 {
			t.Fatal("engine state not clean after a metadata miss")
		}
	})
}

func TestEntryInfoRoundTrip(t *testing.T) {
	stored := time.Unix(0, 987654321123456789)
	encoded := EncodeEntryInfo(EntryInfo{ResponseTime: stored, Truncated: true})
	info, err := DecodeEntryInfo(encoded)
	if err != nil {
		t.Fatal(err)
	}
	if info.ResponseTime.UnixNano() != stored.UnixNano() {
		t.Fatalf("response time %v != %v", info.ResponseTime, stored)
	}
	if !info.Truncated {
		t.Fatal("truncated flag lost")
	}
	if _, err := DecodeEntryInfo(encoded[:4]); err == nil {
		t.Fatal("short record decoded")
	}
}
