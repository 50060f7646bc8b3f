package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xpadev-net/live-event-orchestrator/internal/db"
	"github.com/xpadev-net/live-event-orchestrator/internal/log"
)

const (
	keyPrefix      = "activeBroadcasts"
	indexKey       = keyPrefix + ":index"
	createdChannel = keyPrefix + ":created"

	createdBuffer = 64
)

// Hash field names of a record.
const (
	fieldName             = "name"
	fieldInteractiveLimit = "interactiveLimit"
	fieldHLSEnabled       = "hlsEnabled"
	fieldHLSURL           = "hlsUrl"
	fieldBroadcastID      = "broadcastId"
	fieldStatus           = "status"
	fieldArchiving        = "archiving"
	fieldStartImage       = "startImage"
	fieldEndImage         = "endImage"
	fieldCreatedAt        = "createdAt"
)

// mergeScript applies field updates only when the record exists and
// publishes the change in the same step.
// KEYS[1] record hash; ARGV[1] channel; ARGV[2] payload; ARGV[3..] field/value pairs.
var mergeScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return 0
end
if #ARGV > 2 then
	redis.call('HSET', KEYS[1], unpack(ARGV, 3))
end
redis.call('PUBLISH', ARGV[1], ARGV[2])
return 1
`)

// fanScript adds (ARGV[3] == "add") or removes a viewer from the fan hash of
// an existing record.
// KEYS[1] record hash; KEYS[2] fans hash; ARGV[1] channel; ARGV[2] payload;
// ARGV[3] op; ARGV[4] viewer id; ARGV[5] joined-at millis.
var fanScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return 0
end
if ARGV[3] == 'add' then
	redis.call('HSET', KEYS[2], ARGV[4], ARGV[5])
else
	redis.call('HDEL', KEYS[2], ARGV[4])
end
redis.call('PUBLISH', ARGV[1], ARGV[2])
return 1
`)

// RedisStore keeps records in Redis hashes and announces changes over
// pub/sub. Record and fan hashes share a hash tag so scripts touching both
// stay in one cluster slot.
type RedisStore struct {
	client *redis.Client
	now    func() time.Time
}

// NewRedisStore creates a store on an existing client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, now: time.Now}
}

// Health pings the Redis server.
func (s *RedisStore) Health(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func escape(v string) string {
	return url.QueryEscape(v)
}

func member(key Key) string {
	return escape(key.DomainID) + ":" + escape(key.FanURL)
}

func parseMember(m string) (Key, error) {
	domain, fan, ok := strings.Cut(m, ":")
	if !ok {
		return Key{}, fmt.Errorf("malformed broadcast key %q", m)
	}
	d, err := url.QueryUnescape(domain)
	if err != nil {
		return Key{}, fmt.Errorf("malformed broadcast key %q: %w", m, err)
	}
	f, err := url.QueryUnescape(fan)
	if err != nil {
		return Key{}, fmt.Errorf("malformed broadcast key %q: %w", m, err)
	}
	return Key{DomainID: d, FanURL: f}, nil
}

func recordKey(key Key) string {
	return keyPrefix + ":{" + member(key) + "}"
}

func fansKey(key Key) string {
	return recordKey(key) + ":fans"
}

func changeChannel(key Key) string {
	return keyPrefix + ":changes:" + member(key)
}

func changePayload(kind ChangeKind, key Key) string {
	data, _ := json.Marshal(Change{Kind: kind, Key: key})
	return string(data)
}

// Create writes a fresh record, dropping any previous record and fan list.
func (s *RedisStore) Create(ctx context.Context, key Key, rec *Record) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now()
	}
	fields, err := encodeRecord(rec)
	if err != nil {
		return err
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, recordKey(key), fansKey(key))
		pipe.HSet(ctx, recordKey(key), fields...)
		pipe.SAdd(ctx, indexKey, member(key))
		pipe.Publish(ctx, changeChannel(key), changePayload(ChangeCreated, key))
		pipe.Publish(ctx, createdChannel, member(key))
		return nil
	})
	if err != nil {
		return fmt.Errorf("create active broadcast %s: %w", key, err)
	}
	return nil
}

// Get reads a record together with its active fans.
func (s *RedisStore) Get(ctx context.Context, key Key) (*Record, error) {
	var recCmd, fansCmd *redis.MapStringStringCmd
	_, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		recCmd = pipe.HGetAll(ctx, recordKey(key))
		fansCmd = pipe.HGetAll(ctx, fansKey(key))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("get active broadcast %s: %w", key, err)
	}
	if len(recCmd.Val()) == 0 {
		return nil, ErrNotFound
	}
	return decodeRecord(recCmd.Val(), fansCmd.Val())
}

// Merge applies u if the record exists.
func (s *RedisStore) Merge(ctx context.Context, key Key, u Update) error {
	args := []interface{}{changeChannel(key), changePayload(ChangeUpdated, key)}
	args = append(args, encodeUpdate(u)...)

	applied, err := mergeScript.Run(ctx, s.client, []string{recordKey(key)}, args...).Int()
	if err != nil {
		return fmt.Errorf("merge active broadcast %s: %w", key, err)
	}
	if applied == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes the record, its fans and its index entry, and returns the
// record as it was at removal.
func (s *RedisStore) Delete(ctx context.Context, key Key) (*Record, error) {
	var recCmd, fansCmd *redis.MapStringStringCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		recCmd = pipe.HGetAll(ctx, recordKey(key))
		fansCmd = pipe.HGetAll(ctx, fansKey(key))
		pipe.Del(ctx, recordKey(key), fansKey(key))
		pipe.SRem(ctx, indexKey, member(key))
		pipe.Publish(ctx, changeChannel(key), changePayload(ChangeDeleted, key))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("delete active broadcast %s: %w", key, err)
	}
	if len(recCmd.Val()) == 0 {
		return nil, ErrNotFound
	}
	return decodeRecord(recCmd.Val(), fansCmd.Val())
}

// AddFan marks a viewer as present.
func (s *RedisStore) AddFan(ctx context.Context, key Key, viewerID string) error {
	return s.fanOp(ctx, key, "add", viewerID)
}

// RemoveFan marks a viewer as gone.
func (s *RedisStore) RemoveFan(ctx context.Context, key Key, viewerID string) error {
	return s.fanOp(ctx, key, "remove", viewerID)
}

func (s *RedisStore) fanOp(ctx context.Context, key Key, op, viewerID string) error {
	applied, err := fanScript.Run(ctx, s.client,
		[]string{recordKey(key), fansKey(key)},
		changeChannel(key), changePayload(ChangeUpdated, key), op, viewerID,
		strconv.FormatInt(s.now().UnixMilli(), 10),
	).Int()
	if err != nil {
		return fmt.Errorf("%s fan on %s: %w", op, key, err)
	}
	if applied == 0 {
		return ErrNotFound
	}
	return nil
}

// Keys lists every existing record.
func (s *RedisStore) Keys(ctx context.Context) ([]Key, error) {
	members, err := s.client.SMembers(ctx, indexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("list active broadcasts: %w", err)
	}
	keys := make([]Key, 0, len(members))
	for _, m := range members {
		key, err := parseMember(m)
		if err != nil {
			log.Warn("skipping malformed active broadcast index entry", zap.String("member", m))
			continue
		}
		keys = append(keys, key)
	}
	return keys, nil
}

// Watch subscribes to changes of one record. Notifications are coalesced.
func (s *RedisStore) Watch(ctx context.Context, key Key) (*Subscription, error) {
	return s.subscribe(ctx, changeChannel(key), true, func(payload string) (Change, error) {
		var c Change
		if err := json.Unmarshal([]byte(payload), &c); err != nil {
			return Change{}, err
		}
		return c, nil
	})
}

// WatchCreated subscribes to creations. Announcements carry distinct keys
// and are never coalesced.
func (s *RedisStore) WatchCreated(ctx context.Context) (*Subscription, error) {
	return s.subscribe(ctx, createdChannel, false, func(payload string) (Change, error) {
		key, err := parseMember(payload)
		if err != nil {
			return Change{}, err
		}
		return Change{Kind: ChangeCreated, Key: key}, nil
	})
}

func (s *RedisStore) subscribe(ctx context.Context, channel string, coalesce bool, decode func(string) (Change, error)) (*Subscription, error) {
	ps := s.client.Subscribe(ctx, channel)
	// Wait for the subscribe confirmation so no write after this call is missed.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}

	size := 1
	if !coalesce {
		size = createdBuffer
	}
	out := make(chan Change, size)
	done := make(chan struct{})

	go func() {
		defer close(out)
		for msg := range ps.Channel() {
			change, err := decode(msg.Payload)
			if err != nil {
				log.Warn("dropping malformed broadcast notification",
					zap.String("channel", channel), zap.Error(err))
				continue
			}
			if coalesce {
				Notify(out, change)
				continue
			}
			select {
			case out <- change:
			case <-done:
				return
			}
		}
	}()

	var once sync.Once
	return NewSubscription(out, func() error {
		var err error
		once.Do(func() {
			close(done)
			err = ps.Close()
		})
		return err
	}), nil
}

func encodeRecord(rec *Record) ([]interface{}, error) {
	startImage, err := encodeImage(rec.StartImage)
	if err != nil {
		return nil, err
	}
	endImage, err := encodeImage(rec.EndImage)
	if err != nil {
		return nil, err
	}
	return []interface{}{
		fieldName, rec.Name,
		fieldInteractiveLimit, strconv.Itoa(rec.InteractiveLimit),
		fieldHLSEnabled, strconv.FormatBool(rec.HLSEnabled),
		fieldHLSURL, rec.HLSURL,
		fieldBroadcastID, rec.BroadcastID,
		fieldStatus, string(rec.Status),
		fieldArchiving, strconv.FormatBool(rec.Archiving),
		fieldStartImage, startImage,
		fieldEndImage, endImage,
		fieldCreatedAt, rec.CreatedAt.UTC().Format(time.RFC3339Nano),
	}, nil
}

func encodeUpdate(u Update) []interface{} {
	var fields []interface{}
	if u.Status != nil {
		fields = append(fields, fieldStatus, string(*u.Status))
	}
	if u.Archiving != nil {
		fields = append(fields, fieldArchiving, strconv.FormatBool(*u.Archiving))
	}
	if u.HLSURL != nil {
		fields = append(fields, fieldHLSURL, *u.HLSURL)
	}
	if u.BroadcastID != nil {
		fields = append(fields, fieldBroadcastID, *u.BroadcastID)
	}
	return fields
}

func decodeRecord(fields, fans map[string]string) (*Record, error) {
	rec := &Record{
		Name:        fields[fieldName],
		HLSURL:      fields[fieldHLSURL],
		BroadcastID: fields[fieldBroadcastID],
		Status:      db.EventStatus(fields[fieldStatus]),
		HLSEnabled:  fields[fieldHLSEnabled] == "true",
		Archiving:   fields[fieldArchiving] == "true",
		ActiveFans:  make(map[string]time.Time, len(fans)),
	}

	var err error
	if v := fields[fieldInteractiveLimit]; v != "" {
		if rec.InteractiveLimit, err = strconv.Atoi(v); err != nil {
			return nil, fmt.Errorf("decode %s: %w", fieldInteractiveLimit, err)
		}
	}
	if v := fields[fieldCreatedAt]; v != "" {
		if rec.CreatedAt, err = time.Parse(time.RFC3339Nano, v); err != nil {
			return nil, fmt.Errorf("decode %s: %w", fieldCreatedAt, err)
		}
	}
	if rec.StartImage, err = decodeImage(fields[fieldStartImage]); err != nil {
		return nil, err
	}
	if rec.EndImage, err = decodeImage(fields[fieldEndImage]); err != nil {
		return nil, err
	}

	for viewer, ms := range fans {
		joined, err := strconv.ParseInt(ms, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("decode fan %s: %w", viewer, err)
		}
		rec.ActiveFans[viewer] = time.UnixMilli(joined).UTC()
	}
	return rec, nil
}

func encodeImage(img *db.Image) (string, error) {
	if img == nil {
		return "", nil
	}
	data, err := json.Marshal(img)
	if err != nil {
		return "", fmt.Errorf("encode image: %w", err)
	}
	return string(data), nil
}

func decodeImage(v string) (*db.Image, error) {
	if v == "" {
		return nil, nil
	}
	var img db.Image
	if err := json.Unmarshal([]byte(v), &img); err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	return &img, nil
}

// IsNotFound reports whether err means the record does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
