package shm

import (
	"bytes"
	"fmt"
	"testing"
)

func uniqueName(t *testing.T) string {
	return fmt.Sprintf("/shmrpc-test-%s-%d", t.Name(), len(t.Name()))
}

func TestCreateWriteReadClose(t *testing.T) {
	name := uniqueName(t)
	seg, err := Create(name, 4096)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer Unlink(name)
	defer seg.Close()

	payload := []byte("hello, shared memory")
	if err := seg.WritePayload(payload); err != nil {
		t.Fatalf("WritePayload: %v", err)
	}
	got, err := seg.ReadPayload()
	if err != nil {
		t.Fatalf("ReadPayload: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("got %q, want %q", got, payload)
	}
}

func TestCreateAlreadyExists(t *testing.T) {
	name := uniqueName(t)
	seg, err := Create(name, 4096)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer Unlink(name)
	defer seg.Close()

	_, err = Create(name, 4096)
	if err == nil {
		t.Fatal("expected ErrAlreadyExists")
	}
}

func TestOpenNotFound(t *testing.T) {
	_, err := Open(uniqueName(t))
	if err == nil {
		t.Fatal("expected ErrNotFound")
	}
}

func TestWriteTooLarge(t *testing.T) {
	name := uniqueName(t)
	seg, err := Create(name, 64)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer Unlink(name)
	defer seg.Close()

	if err := seg.WritePayload(make([]byte, 100)); err == nil {
		t.Fatal("expected ErrTooLarge")
	}
}

func TestOpenSeesWriterData(t *testing.T) {
	name := uniqueName(t)
	writer, err := Create(name, 4096)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer Unlink(name)
	defer writer.Close()

	payload := []byte("cross-process visible")
	if err := writer.WritePayload(payload); err != nil {
		t.Fatalf("WritePayload: %v", err)
	}

	reader, err := Open(name)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer reader.Close()

	got, err := reader.ReadPayload()
	if err != nil {
		t.Fatalf("ReadPayload: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("got %q, want %q", got, payload)
	}
}

func TestUnlinkIdempotent(t *testing.T) {
	name := uniqueName(t)
	if err := Unlink(name); err != nil {
		t.Fatalf("Unlink of absent name: %v", err)
	}
	if err := Unlink(name); err != nil {
		t.Fatalf("second Unlink: %v", err)
	}
}

func TestCloseIdempotent(t *testing.T) {
	name := uniqueName(t)
	seg, err := Create(name, 4096)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer Unlink(name)

	if err := seg.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := seg.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestListNamesIncludesCreatedSegment(t *testing.T) {
	name := uniqueName(t)
	seg, err := Create(name, 4096)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer seg.Close()
	defer Unlink(name)

	names, err := ListNames()
	if err != nil {
		t.Fatalf("ListNames: %v", err)
	}
	found := false
	for _, n := range names {
		if n == name {
			found = true
			break
		}
	}
	if !found {
		t.Fatalf("ListNames() = %v, want it to include %q", names, name)
	}
}

func TestListNamesOmitsAfterUnlink(t *testing.T) {
	name := uniqueName(t)
	seg, err := Create(name, 4096)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	seg.Close()
	if err := Unlink(name); err != nil {
		t.Fatalf("Unlink: %v", err)
	}

	names, err := ListNames()
	if err != nil {
		t.Fatalf("ListNames: %v", err)
	}
	for _, n := range names {
		if n == name {
			t.Fatalf("ListNames() still reports unlinked segment %q", name)
		}
	}
}
