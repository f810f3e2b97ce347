package core

import (
	"testing"
)

func TestCreateTransactionRejectsEmptyMode(t *testing.T) {
	c, _ := newTestCache(t, completeSync)

	sync(c, func() {
		if _, err := c.CreateTransaction(0); err == nil {
			t.Error("expected an error for a mode with neither bit")
		}
		if _, err := c.CreateTransaction(Read); err != nil {
			t.Errorf("read mode rejected: %v", err)
		}
	})
}

func TestReadOnlyTransactionMisses(t *testing.T) {
	c, _ := newTestCache(t, completeSync)

	sync(c, func() {
		trans, err := c.CreateTransaction(Read)
		if err != nil {
			t.Fatal(err)
		}
		rv := trans.Start(testRequest("https://nothing/"), nil)
		if rv != ErrCacheMiss {
			t.Fatalf("got %v, want miss", rv)
		}
	})
}

func TestTransactionDisabledEngine(t *testing.T) {
	c, _ := newTestCache(t, completeSync)
	sync(c, func() { c.mode = ModeDisable })

	sync(c, func() {
		trans, err := c.CreateTransaction(ReadWrite)
		if err != nil {
			t.Fatal(err)
		}
		if rv := trans.Start(testRequest("https://x/"), nil); rv != ErrFailed {
			t.Fatalf("got %v, want failure", rv)
		}
	})
}

// A queued writer that loses its entry to a failed writer restarts the
// whole open/create cycle internally and ends up owning a fresh entry.
func TestTransactionRestartsAfterWriterFailure(t *testing.T) {
	c, _ := newTestCache(t, completeAsync)

	var w1, w2 *EntryTransaction
	var done1, done2 []Status

	sync(c, func() {
		w1, _ = c.CreateTransaction(ReadWrite)
		w1.Start(testRequest("https://r/"), func(s Status) { done1 = append(done1, s) })
	})
	drain(c)
	if len(done1) != 1 || done1[0] != OK {
		t.Fatalf("first writer results: %v", done1)
	}

	sync(c, func() {
		w2, _ = c.CreateTransaction(ReadWrite)
		rv := w2.Start(testRequest("https://r/"), func(s Status) { done2 = append(done2, s) })
		if rv != ErrIOPending {
			t.Fatalf("second writer not queued: %v", rv)
		}
	})
	drain(c)
	if len(done2) != 0 {
		t.Fatalf("second writer admitted too early: %v", done2)
	}

	sync(c, func() { w1.Done(false) })
	drain(c)

	if len(done2) != 1 || done2[0] != OK {
		t.Fatalf("second writer results: %v", done2)
	}
	sync(c, func() {
		if w2.Entry() == nil || w2.Entry().writer != w2 {
			t.Fatal("second writer did not end up owning an entry")
		}
		w2.Done(true)
	})
	drain(c)
}

func TestTransactionCancelWhileQueued(t *testing.T) {
	c, _ := newTestCache(t, completeManual)

	var trans *EntryTransaction
	fired := false
	sync(c, func() {
		trans, _ = c.CreateTransaction(Read)
		rv := trans.Start(testRequest("https://q/"), func(Status) { fired = true })
		if rv != ErrIOPending {
			t.Fatalf("start returned %v", rv)
		}
		trans.Cancel()
	})
	drain(c)

	if fired {
		t.Fatal("cancelled transaction was notified")
	}
}

func TestWriterCancelKeepsTruncatedEntry(t *testing.T) {
	c, b := newTestCache(t, completeSync)

	var w *EntryTransaction
	sync(c, func() {
		w, _ = c.CreateTransaction(ReadWrite)
		if rv := w.Start(testRequest("https://t/"), nil); rv != OK {
			t.Fatalf("start returned %v", rv)
		}
		if rv := w.WriteInfo(EntryInfo{}, nil); rv < 0 {
			t.Fatalf("info write returned %v", rv)
		}
		w.Cancel()
	})
	drain(c)

	be := b.entries["https://t/"]
	if be == nil {
		t.Fatal("entry was not kept")
	}
	info, err := DecodeEntryInfo(be.streams[DataInfo])
	if err != nil {
		t.Fatal(err)
	}
	if !info.Truncated {
		t.Fatal("truncated flag not recorded")
	}
	if be.dooms != 0 {
		t.Fatal("entry was doomed on a recordable cancel")
	}
}
