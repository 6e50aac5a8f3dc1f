// Package relay bridges room broadcasts across service instances through
// Redis pub/sub. Each instance publishes every locally originated frame
// and re-delivers frames published by its peers, so members of the same
// room land on the converged state no matter which instance they hit.
package relay

import (
	"context"
	"encoding/json"
	"log"
	"strings"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const channelPrefix = "collab:room:"

// Handler receives frames published by other instances.
type Handler interface {
	DeliverRemote(roomID string, frame []byte)
}

type envelope struct {
	Origin string          `json:"origin"`
	Frame  json.RawMessage `json:"frame"`
}

// Relay is the pub/sub bridge. A nil *Relay is a valid no-op publisher,
// so standalone deployments skip Redis entirely.
type Relay struct {
	client   *redis.Client
	instance string
	out      chan publishJob
	cancel   context.CancelFunc
}

type publishJob struct {
	roomID string
	frame  []byte
}

// New connects the relay and starts its publish and subscribe loops.
func New(client *redis.Client, handler Handler) *Relay {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Relay{
		client:   client,
		instance: uuid.New().String(),
		out:      make(chan publishJob, 1024),
		cancel:   cancel,
	}
	go r.publishLoop(ctx)
	go r.subscribeLoop(ctx, handler)
	return r
}

// Publish queues a frame for the other instances. It never blocks the
// caller; when the queue is full the frame is dropped and logged, the
// same isolation policy as a slow client.
func (r *Relay) Publish(roomID string, frame []byte) {
	if r == nil {
		return
	}
	select {
	case r.out <- publishJob{roomID: roomID, frame: frame}:
	default:
		log.Printf("[Relay] Publish queue full, dropping frame for room %s", roomID)
	}
}

func (r *Relay) Close() {
	if r != nil {
		r.cancel()
	}
}

func (r *Relay) publishLoop(ctx context.Context) {
	for {
		select {
		case job := <-r.out:
			payload, err := json.Marshal(envelope{Origin: r.instance, Frame: job.frame})
			if err != nil {
				log.Printf("[Relay] Marshal envelope: %v", err)
				continue
			}
			if err := r.client.Publish(ctx, channelPrefix+job.roomID, payload).Err(); err != nil {
				log.Printf("[Relay] Publish room %s: %v", job.roomID, err)
			}
		case <-ctx.Done():
			return
		}
	}
}

func (r *Relay) subscribeLoop(ctx context.Context, handler Handler) {
	sub := r.client.PSubscribe(ctx, channelPrefix+"*")
	defer sub.Close()

	for {
		select {
		case msg, ok := <-sub.Channel():
			if !ok {
				return
			}
			var env envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				log.Printf("[Relay] Bad envelope on %s: %v", msg.Channel, err)
				continue
			}
			if env.Origin == r.instance {
				continue
			}
			roomID := strings.TrimPrefix(msg.Channel, channelPrefix)
			handler.DeliverRemote(roomID, env.Frame)
		case <-ctx.Done():
			return
		}
	}
}
