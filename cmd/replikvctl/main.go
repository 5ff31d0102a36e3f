// Command replikvctl is a small client for the replicated key-value store. It
// speaks the same UDP message protocol as the replicas, following redirects
// until the current leader answers.
//
//	replikvctl -replicas 0000=127.0.0.1:9000,0001=127.0.0.1:9001 put mykey myvalue
//	replikvctl -replicas 0000=127.0.0.1:9000,0001=127.0.0.1:9001 get mykey
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"replikv/internal/transport"
	"replikv/internal/wire"
)

const (
	attemptTimeout = 500 * time.Millisecond
	maxAttempts    = 10
)

func main() {
	var (
		replicasFlag = flag.String("replicas", "", "replicas as id=host:port, comma separated")
		target       = flag.String("target", "", "replica id to contact first (default: first listed)")
	)
	flag.Parse()

	replicas, err := parseReplicas(*replicasFlag)
	if err != nil {
		log.Fatalf("replikvctl: %v", err)
	}
	if len(replicas) == 0 {
		log.Fatal("replikvctl: -replicas is required")
	}

	args := flag.Args()
	msg, err := buildRequest(args)
	if err != nil {
		log.Fatalf("replikvctl: %v", err)
	}

	first := *target
	if first == "" {
		first = strings.SplitN(strings.Split(*replicasFlag, ",")[0], "=", 2)[0]
	}
	if _, ok := replicas[first]; !ok {
		log.Fatalf("replikvctl: target %q is not a listed replica", first)
	}

	clientID := uuid.New().String()
	tp, err := transport.NewUDP(clientID, "127.0.0.1:0", replicas)
	if err != nil {
		log.Fatalf("replikvctl: %v", err)
	}
	defer tp.Close()

	msg.Src = clientID
	msg.Leader = wire.Broadcast

	reply, err := request(tp, replicas, first, msg)
	if err != nil {
		log.Fatalf("replikvctl: %v", err)
	}
	switch reply.Type {
	case wire.TypeOK:
		if msg.Type == wire.TypeGet {
			fmt.Println(reply.Value)
		} else {
			fmt.Println("ok")
		}
	case wire.TypeFail:
		fmt.Println("fail")
		os.Exit(1)
	}
}

func buildRequest(args []string) (wire.Message, error) {
	if len(args) == 0 {
		return wire.Message{}, fmt.Errorf("usage: get <key> | put <key> <value>")
	}
	requestID := uuid.New().String()
	switch args[0] {
	case "get":
		if len(args) != 2 {
			return wire.Message{}, fmt.Errorf("usage: get <key>")
		}
		return wire.Message{Type: wire.TypeGet, Key: args[1], RequestID: requestID}, nil
	case "put":
		if len(args) != 3 {
			return wire.Message{}, fmt.Errorf("usage: put <key> <value>")
		}
		return wire.Message{Type: wire.TypePut, Key: args[1], Value: args[2], RequestID: requestID}, nil
	default:
		return wire.Message{}, fmt.Errorf("unknown operation %q", args[0])
	}
}

// request sends the message to dst and waits for the matching reply, chasing
// redirects toward whichever replica currently claims leadership.
func request(tp *transport.UDPTransport, replicas map[string]string, dst string, msg wire.Message) (wire.Message, error) {
	for attempt := 0; attempt < maxAttempts; attempt++ {
		msg.Dst = dst
		if err := tp.Send(dst, msg); err != nil {
			return wire.Message{}, err
		}

		reply, redirect, done := awaitReply(tp, msg.RequestID)
		if done {
			return reply, nil
		}
		if redirect != "" {
			if _, listed := replicas[redirect]; listed {
				dst = redirect
				continue
			}
		}
		// Leader unknown or no answer; let the cluster settle and retry.
		time.Sleep(attemptTimeout)
	}
	return wire.Message{}, fmt.Errorf("no response after %d attempts", maxAttempts)
}

// awaitReply collects responses for one attempt. It returns the final reply,
// or the replica id a redirect pointed at, or neither on timeout.
func awaitReply(tp *transport.UDPTransport, requestID string) (wire.Message, string, bool) {
	deadline := time.Now().Add(attemptTimeout)
	for time.Now().Before(deadline) {
		for _, reply := range tp.Receive(time.Until(deadline)) {
			if reply.RequestID != requestID {
				continue
			}
			switch reply.Type {
			case wire.TypeOK, wire.TypeFail:
				return reply, "", true
			case wire.TypeRedirect:
				if reply.Leader != wire.Broadcast && reply.Leader != "" {
					return wire.Message{}, reply.Leader, false
				}
				return wire.Message{}, "", false
			}
		}
	}
	return wire.Message{}, "", false
}

func parseReplicas(s string) (map[string]string, error) {
	if s == "" {
		return nil, nil
	}
	replicas := make(map[string]string)
	for _, part := range strings.Split(s, ",") {
		id, addr, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok || id == "" || addr == "" {
			return nil, fmt.Errorf("invalid replica %q, want id=host:port", part)
		}
		replicas[id] = addr
	}
	return replicas, nil
}
