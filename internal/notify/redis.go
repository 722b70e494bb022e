package notify

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"smartop/internal/domain"
)

// NewRedisClient connects to url and pings it. An empty url yields nil.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	if url == "" {
		return nil, nil
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return client, nil
}

// RedisSink publishes events on pub/sub channels for the company, the
// machine and the assigned operator.
type RedisSink struct {
	Client redis.Cmdable
	Prefix string
}

func (RedisSink) Name() string { return "redis" }

// Channels lists the channels evt is broadcast on.
func (s RedisSink) Channels(evt domain.Event) []string {
	chans := []string{s.Prefix + "company." + evt.CompanyID}
	if m := evt.PayloadString("machine_id"); m != "" {
		chans = append(chans, s.Prefix+"machine."+m)
	}
	if u := evt.PayloadString("assigned_user_id"); u != "" {
		chans = append(chans, s.Prefix+"user."+u)
	}
	return chans
}

func (s RedisSink) Send(ctx context.Context, evt domain.Event) error {
	data, err := Encode(evt)
	if err != nil {
		return err
	}
	pipe := s.Client.Pipeline()
	for _, ch := range s.Channels(evt) {
		pipe.Publish(ctx, ch, data)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}
