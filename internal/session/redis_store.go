package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/LeventeLantos/rescue-dispatch/internal/model"
)

const (
	fieldPhone     = "phone"
	fieldName      = "name"
	fieldCompany   = "empresa_id"
	fieldSite      = "sede"
	fieldIsCreator = "is_creator"
	fieldVerified  = "verified"
	fieldVersion   = "version"
)

// RedisStore keeps one hash per identity under session:<digits>. Every write
// bumps the version field.
type RedisStore struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisStore(rdb *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{rdb: rdb, ttl: ttl}
}

var _ Store = (*RedisStore)(nil)

func key(phone string) string {
	return "session:" + phone
}

func (s *RedisStore) Get(ctx context.Context, phone string) (*model.Session, error) {
	phone = NormalizePhone(phone)
	vals, err := s.rdb.HGetAll(ctx, key(phone)).Result()
	if err != nil {
		return nil, fmt.Errorf("get session %s: %w", phone, err)
	}
	if len(vals) == 0 {
		return nil, ErrNotFound
	}
	return decodeHash(phone, vals)
}

func (s *RedisStore) Add(ctx context.Context, sess *model.Session) error {
	phone := NormalizePhone(sess.Phone)
	if phone == "" {
		return errors.New("add session: empty phone")
	}
	fields, err := encodeSession(phone, sess)
	if err != nil {
		return err
	}

	k := key(phone)
	_, err = s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, k)
		p.HSet(ctx, k, fields)
		p.HIncrBy(ctx, k, fieldVersion, 1)
		if s.ttl > 0 {
			p.Expire(ctx, k, s.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("add session %s: %w", phone, err)
	}
	return nil
}

func (s *RedisStore) Update(ctx context.Context, phone string, patch Patch) error {
	return s.BulkUpdate(ctx, []string{phone}, patch)
}

func (s *RedisStore) BulkUpdate(ctx context.Context, phones []string, patch Patch) error {
	phones = NormalizeAll(phones)
	if len(phones) == 0 || patch.IsZero() {
		return nil
	}
	set, unset, err := encodePatch(patch)
	if err != nil {
		return err
	}

	_, err = s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		for _, phone := range phones {
			s.queuePatch(ctx, p, phone, set, unset)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("update %d sessions: %w", len(phones), err)
	}
	return nil
}

func (s *RedisStore) CompareAndUpdate(ctx context.Context, phone string, version int64, patch Patch) error {
	phone = NormalizePhone(phone)
	set, unset, err := encodePatch(patch)
	if err != nil {
		return err
	}
	k := key(phone)

	err = s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		current, err := tx.HGet(ctx, k, fieldVersion).Int64()
		if errors.Is(err, redis.Nil) {
			current = 0
		} else if err != nil {
			return err
		}
		if current != version {
			return ErrVersionConflict
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			s.queuePatch(ctx, p, phone, set, unset)
			return nil
		})
		return err
	}, k)

	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrVersionConflict), errors.Is(err, redis.TxFailedErr):
		return ErrVersionConflict
	default:
		return fmt.Errorf("compare and update session %s: %w", phone, err)
	}
}

func (s *RedisStore) queuePatch(ctx context.Context, p redis.Pipeliner, phone string, set map[string]any, unset []string) {
	k := key(phone)
	if len(unset) > 0 {
		p.HDel(ctx, k, unset...)
	}
	p.HSet(ctx, k, fieldPhone, phone)
	if len(set) > 0 {
		p.HSet(ctx, k, set)
	}
	p.HIncrBy(ctx, k, fieldVersion, 1)
	if s.ttl > 0 {
		p.Expire(ctx, k, s.ttl)
	}
}

func encodeSession(phone string, sess *model.Session) (map[string]any, error) {
	fields := map[string]any{
		fieldPhone:               phone,
		fieldName:                sess.Name,
		fieldCompany:             sess.CompanyID,
		fieldSite:                sess.Site,
		fieldIsCreator:           formatBool(sess.Role.IsCreator),
		fieldVerified:            formatBool(sess.Verified),
		string(FieldAlertActive): formatBool(sess.AlertActive),
		string(FieldDisponible):  formatBool(sess.Disponible),
		string(FieldEmbarcado):   formatBool(sess.Embarcado),
	}
	if sess.InfoAlert != nil {
		b, err := json.Marshal(sess.InfoAlert)
		if err != nil {
			return nil, fmt.Errorf("encode info_alert: %w", err)
		}
		fields[string(FieldInfoAlert)] = string(b)
	}
	return fields, nil
}

func encodePatch(p Patch) (map[string]any, []string, error) {
	set := make(map[string]any, 4)
	if p.Identity != nil {
		set[fieldName] = p.Identity.Name
		set[fieldCompany] = p.Identity.Company
		set[fieldSite] = p.Identity.Site
		set[fieldIsCreator] = formatBool(p.Identity.Role.IsCreator)
		set[fieldVerified] = formatBool(true)
	}
	if p.AlertActive != nil {
		set[string(FieldAlertActive)] = formatBool(*p.AlertActive)
	}
	if p.Disponible != nil {
		set[string(FieldDisponible)] = formatBool(*p.Disponible)
	}
	if p.Embarcado != nil {
		set[string(FieldEmbarcado)] = formatBool(*p.Embarcado)
	}
	if p.InfoAlert != nil {
		b, err := json.Marshal(p.InfoAlert)
		if err != nil {
			return nil, nil, fmt.Errorf("encode info_alert: %w", err)
		}
		set[string(FieldInfoAlert)] = string(b)
	}

	unset := make([]string, 0, len(p.Unset))
	for _, f := range p.Unset {
		if _, ok := set[string(f)]; ok {
			continue
		}
		unset = append(unset, string(f))
	}
	return set, unset, nil
}

func decodeHash(phone string, vals map[string]string) (*model.Session, error) {
	sess := &model.Session{
		Phone:       phone,
		Name:        vals[fieldName],
		CompanyID:   vals[fieldCompany],
		Site:        vals[fieldSite],
		Role:        model.Role{IsCreator: parseBool(vals[fieldIsCreator])},
		AlertActive: parseBool(vals[string(FieldAlertActive)]),
		Disponible:  parseBool(vals[string(FieldDisponible)]),
		Embarcado:   parseBool(vals[string(FieldEmbarcado)]),
		Verified:    parseBool(vals[fieldVerified]),
	}
	if raw, ok := vals[string(FieldInfoAlert)]; ok && raw != "" {
		var ia model.InfoAlert
		if err := json.Unmarshal([]byte(raw), &ia); err != nil {
			return nil, fmt.Errorf("decode info_alert for %s: %w", phone, err)
		}
		sess.InfoAlert = &ia
	}
	if v, err := strconv.ParseInt(vals[fieldVersion], 10, 64); err == nil {
		sess.Version = v
	}
	return sess, nil
}

func formatBool(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func parseBool(s string) bool {
	b, _ := strconv.ParseBool(s)
	return b
}
