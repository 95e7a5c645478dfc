package transfer_test

import (
	"bytes"
	"crypto/rand"
	"errors"
	"testing"

	"github.com/stealthrocket/peerwasm"
	"github.com/stealthrocket/peerwasm/channels/virtual"
	"github.com/stealthrocket/peerwasm/transfer"
)

func assertEqual[T comparable](t *testing.T, got, want T) {
	t.Helper()
	if got != want {
		t.Fatalf("want=%v got=%v", want, got)
	}
}

func assertOK(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatal(err)
	}
}

func random(t *testing.T, n int) []byte {
	b := make([]byte, n)
	_, err := rand.Read(b)
	assertOK(t, err)
	return b
}

func TestFinalizesAtDeclaredLength(t *testing.T) {
	data := random(t, 40000)
	s := new(transfer.Session)

	done, err := s.Announce("40000")
	assertOK(t, err)
	assertEqual(t, done, false)

	done, err = s.Append(data[:16384])
	assertOK(t, err)
	assertEqual(t, done, false)

	done, err = s.Append(data[16384:32768])
	assertOK(t, err)
	assertEqual(t, done, false)
	assertEqual(t, s.Finalized(), false)

	done, err = s.Append(data[32768:])
	assertOK(t, err)
	assertEqual(t, done, true)

	m, err := s.Module()
	assertOK(t, err)
	assertEqual(t, bytes.Equal(m.Bytes, data), true)
	assertEqual(t, m.Hash, transfer.Hash(data))
	assertEqual(t, m.Size(), 40000)

	_, err = s.Append([]byte{1})
	assertEqual(t, errors.Is(err, transfer.ErrFinalized), true)
	_, err = s.Announce("1")
	assertEqual(t, errors.Is(err, transfer.ErrFinalized), true)
}

func TestHashIndependentOfPartition(t *testing.T) {
	data := random(t, 10000)
	want := transfer.Hash(data)

	for _, sizes := range [][]int{
		{10000},
		{1, 9999},
		{5000, 5000},
		{3333, 3333, 3333, 1},
		{16384},
	} {
		s := new(transfer.Session)
		_, err := s.Announce("10000")
		assertOK(t, err)

		rest := data
		for i, size := range sizes {
			size = min(size, len(rest))
			done, err := s.Append(rest[:size])
			assertOK(t, err)
			rest = rest[size:]
			assertEqual(t, done, i == len(sizes)-1)
		}

		m, err := s.Module()
		assertOK(t, err)
		assertEqual(t, m.Hash, want)
	}
}

func TestOvershoot(t *testing.T) {
	s := new(transfer.Session)
	_, err := s.Announce("3")
	assertOK(t, err)

	done, err := s.Append([]byte("abcde"))
	assertOK(t, err)
	assertEqual(t, done, true)

	m, err := s.Module()
	assertOK(t, err)
	assertEqual(t, string(m.Bytes), "abcde")
}

func TestZeroLength(t *testing.T) {
	s := new(transfer.Session)
	done, err := s.Announce("0")
	assertOK(t, err)
	assertEqual(t, done, true)

	m, err := s.Module()
	assertOK(t, err)
	assertEqual(t, m.Size(), 0)
	assertEqual(t, m.Hash, "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855")
}

func TestProtocolErrors(t *testing.T) {
	s := new(transfer.Session)
	assertEqual(t, s.Declared(), -1)

	_, err := s.Append([]byte("early"))
	assertEqual(t, errors.Is(err, transfer.ErrNotAnnounced), true)

	_, err = s.Announce("twelve")
	if err == nil {
		t.Fatal("invalid size accepted")
	}
	_, err = s.Announce("-1")
	if err == nil {
		t.Fatal("negative size accepted")
	}

	_, err = s.Announce("10")
	assertOK(t, err)
	assertEqual(t, s.Declared(), 10)
	_, err = s.Announce("10")
	assertEqual(t, errors.Is(err, transfer.ErrAnnounced), true)

	_, err = s.Module()
	if err == nil {
		t.Fatal("incomplete module returned")
	}

	limited := &transfer.Session{MaxSize: 100}
	_, err = limited.Announce("101")
	assertEqual(t, errors.Is(err, transfer.ErrTooLarge), true)
}

func TestSendReceive(t *testing.T) {
	data := random(t, 40000)
	client, server := virtual.Pipe("wasm")

	s := new(transfer.Session)
	var frames []int
	var module transfer.Module
	server.Subscribe(func(ev peerwasm.Event) {
		if ev.Type != peerwasm.EventMessage {
			return
		}
		frames = append(frames, len(ev.Message.Data))
		done, err := s.Receive(ev.Message)
		assertOK(t, err)
		if done {
			module, err = s.Module()
			assertOK(t, err)
		}
	})

	assertOK(t, transfer.Send(client, data, 0))
	assertEqual(t, len(frames), 4)
	assertEqual(t, frames[1], 16384)
	assertEqual(t, frames[3], 40000-2*16384)
	assertEqual(t, module.Hash, transfer.Hash(data))
}
