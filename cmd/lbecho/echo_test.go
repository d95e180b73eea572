package main

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"
)

func TestParsePorts(t *testing.T) {
	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{"9997,9998,9999", "[9997 9998 9999]", true},
		{" 9997 , 9998 ", "[9997 9998]", true},
		{"9997,,9998", "[9997 9998]", true},
		{"", "", false},
		{"0", "", false},
		{"65536", "", false},
		{"abc", "", false},
		{"9997,9997", "", false},
	}
	for _, tt := range tests {
		got, err := parsePorts(tt.in)
		if (err == nil) != tt.ok {
			t.Errorf("parsePorts(%q) err = %v", tt.in, err)
			continue
		}
		if tt.ok && fmt.Sprint(got) != tt.want {
			t.Errorf("parsePorts(%q) = %v, want %s", tt.in, got, tt.want)
		}
	}
}

func TestEchoServe(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	conn, err := listenUDP(ctx, "127.0.0.1", 0)
	if err != nil {
		cancel()
		t.Skipf("listen: %v", err)
	}
	e := &echoer{conn: conn, port: 0, reply: true}
	done := make(chan error, 1)
	go func() { done <- e.serve(ctx) }()

	client, err := net.Dial("udp4", conn.LocalAddr().String())
	if err != nil {
		cancel()
		t.Fatal(err)
	}
	defer client.Close()

	if _, err := client.Write([]byte("hello")); err != nil {
		t.Fatal(err)
	}
	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 64)
	n, err := client.Read(buf)
	if err != nil {
		t.Fatalf("read echo: %v", err)
	}
	if string(buf[:n]) != "hello" {
		t.Errorf("echo = %q, want hello", buf[:n])
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("serve returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("serve did not stop after cancel")
	}
}

func TestPrintable(t *testing.T) {
	if got := printable([]byte("hi\x00")); got != `"hi\x00"` {
		t.Errorf("printable = %s", got)
	}
	long := make([]byte, 300)
	for i := range long {
		long[i] = 'a'
	}
	if got := printable(long); len(got) != 258 {
		t.Errorf("printable truncation len = %d, want 258", len(got))
	}
}
