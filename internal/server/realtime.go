package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	ChannelWishes = "wishes"
	ChannelPhotos = "photos"

	RealtimeEventWishCreated   = "wish-created"
	RealtimeEventWishModerated = "wish-moderated"
	RealtimeEventPhotoAdded    = "photo-added"
	realtimeEventHeartbeat     = "heartbeat"

	realtimeHeartbeatInterval = 25 * time.Second
)

var allChannels = []string{ChannelWishes, ChannelPhotos}

// RealtimeMessage announces a change to a collection. It never carries
// record content, only the id that changed.
type RealtimeMessage struct {
	Channel   string
	EventType string
	RecordID  string
	Timestamp time.Time
}

// RealtimeDispatcher fans messages out to subscribers of a channel. Slow
// subscribers miss messages rather than block publishers.
type RealtimeDispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*realtimeSubscriber
	nextID      int64
	bufferSize  int
}

type realtimeSubscriber struct {
	id     int64
	stream chan RealtimeMessage
}

func NewRealtimeDispatcher() *RealtimeDispatcher {
	return &RealtimeDispatcher{
		subscribers: make(map[string]map[int64]*realtimeSubscriber),
		bufferSize:  16,
	}
}

// Subscribe registers one stream for every listed channel. The stream is
// released when ctx ends or cleanup is called.
func (d *RealtimeDispatcher) Subscribe(ctx context.Context, channels ...string) (<-chan RealtimeMessage, func()) {
	if len(channels) == 0 {
		ch := make(chan RealtimeMessage)
		close(ch)
		return ch, func() {}
	}
	subscriber := &realtimeSubscriber{
		id:     d.nextSequence(),
		stream: make(chan RealtimeMessage, d.bufferSize),
	}
	for _, channel := range channels {
		d.registerSubscriber(channel, subscriber)
	}
	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			for _, channel := range channels {
				d.unregisterSubscriber(channel, subscriber.id)
			}
		})
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

func (d *RealtimeDispatcher) Publish(message RealtimeMessage) {
	if message.Channel == "" || message.EventType == "" {
		return
	}
	d.mu.RLock()
	subscribers := d.subscribers[message.Channel]
	if len(subscribers) == 0 {
		d.mu.RUnlock()
		return
	}
	copies := make([]*realtimeSubscriber, 0, len(subscribers))
	for _, subscriber := range subscribers {
		copies = append(copies, subscriber)
	}
	d.mu.RUnlock()
	for _, subscriber := range copies {
		select {
		case subscriber.stream <- message:
		default:
		}
	}
}

func (d *RealtimeDispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *RealtimeDispatcher) registerSubscriber(channel string, subscriber *realtimeSubscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[channel]; !ok {
		d.subscribers[channel] = make(map[int64]*realtimeSubscriber)
	}
	d.subscribers[channel][subscriber.id] = subscriber
}

func (d *RealtimeDispatcher) unregisterSubscriber(channel string, subscriberID int64) {
	d.mu.Lock()
	subscribers := d.subscribers[channel]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(d.subscribers, channel)
		}
	}
	d.mu.Unlock()
}

type realtimeEventPayload struct {
	Channel   string `json:"channel"`
	ID        string `json:"id,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

func (h *httpHandler) publish(channel, eventType, recordID string) {
	h.realtime.Publish(RealtimeMessage{
		Channel:   channel,
		EventType: eventType,
		RecordID:  recordID,
		Timestamp: time.Now().UTC(),
	})
}

func (h *httpHandler) handleEvents(c *gin.Context) {
	channels, err := parseChannels(c.Query("channels"))
	if err != nil {
		h.respondError(c, err)
		return
	}

	ctx := c.Request.Context()
	stream, cleanup := h.realtime.Subscribe(ctx, channels...)
	defer cleanup()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	heartbeat := time.NewTicker(realtimeHeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			if !writeEvent(c, realtimeEventHeartbeat, realtimeEventPayload{Timestamp: time.Now().UTC().UnixMilli()}) {
				return
			}
		case message, ok := <-stream:
			if !ok {
				return
			}
			payload := realtimeEventPayload{
				Channel:   message.Channel,
				ID:        message.RecordID,
				Timestamp: message.Timestamp.UnixMilli(),
			}
			if !writeEvent(c, message.EventType, payload) {
				h.logger.Debug("realtime client went away", zap.String("channel", message.Channel))
				return
			}
		}
	}
}

func writeEvent(c *gin.Context, eventType string, payload realtimeEventPayload) bool {
	data, err := json.Marshal(payload)
	if err != nil {
		return false
	}
	if _, err := fmt.Fprintf(c.Writer, "event: %s\ndata: %s\n\n", eventType, data); err != nil {
		return false
	}
	c.Writer.Flush()
	return true
}

func parseChannels(raw string) ([]string, error) {
	if strings.TrimSpace(raw) == "" {
		return allChannels, nil
	}
	seen := map[string]bool{}
	channels := make([]string, 0, len(allChannels))
	for _, part := range strings.Split(raw, ",") {
		channel := strings.ToLower(strings.TrimSpace(part))
		if channel == "" || seen[channel] {
			continue
		}
		if channel != ChannelWishes && channel != ChannelPhotos {
			return nil, errUnknownChannel(channel)
		}
		seen[channel] = true
		channels = append(channels, channel)
	}
	if len(channels) == 0 {
		return allChannels, nil
	}
	return channels, nil
}
