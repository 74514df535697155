// Package redis provides a Redis implementation of the golicense.Storage interface.
// Credit consumption, refunds and user creation use Lua scripts for atomicity;
// license and transaction documents are JSON values updated with WATCH.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/mihaimyh/golicense/pkg/golicense"
)

// Storage implements golicense.Storage using Redis
type Storage struct {
	client  redis.UniversalClient
	config  Config
	scripts map[string]*redis.Script
}

// Config holds Redis storage configuration
type Config struct {
	// KeyPrefix is prepended to all Redis keys (default: "golicense:")
	KeyPrefix string

	// ConsumptionTTL is the TTL for consumption records (0 = no expiration).
	// Refunds of expired records report golicense.ErrConsumptionNotFound.
	ConsumptionTTL time.Duration

	// MaxRetries is the maximum number of optimistic transaction attempts (default: 3)
	MaxRetries int
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		KeyPrefix:      "golicense:",
		ConsumptionTTL: 62 * 24 * time.Hour,
		MaxRetries:     3,
	}
}

// New creates a new Redis storage adapter
// The client can be *redis.Client, *redis.ClusterClient, or *redis.Ring
func New(client redis.UniversalClient, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}

	// Set defaults
	if config.KeyPrefix == "" {
		config.KeyPrefix = "golicense:"
	}
	if config.MaxRetries == 0 {
		config.MaxRetries = 3
	}

	s := &Storage{
		client:  client,
		config:  config,
		scripts: make(map[string]*redis.Script),
	}

	// Load Lua scripts
	s.loadScripts()

	return s, nil
}

// accountPrelude creates the account hash when missing and rolls it into the
// requested cycle. Times are unix milliseconds.
const accountPrelude = `
	local accountKey = KEYS[1]
	local cycleStart = tonumber(ARGV[1])
	local cycleEnd = tonumber(ARGV[2])
	local anchor = tonumber(ARGV[3])
	local now = tonumber(ARGV[4])

	if redis.call('EXISTS', accountKey) == 0 then
		redis.call('HSET', accountKey, 'anchor', anchor, 'cycleStart', cycleStart,
			'resetDate', cycleEnd, 'used', 0, 'updatedAt', now)
	end

	local storedStart = tonumber(redis.call('HGET', accountKey, 'cycleStart'))
	if cycleStart > storedStart then
		redis.call('HSET', accountKey, 'cycleStart', cycleStart, 'resetDate', cycleEnd,
			'used', 0, 'updatedAt', now)
	end
`

// loadScripts loads and compiles Lua scripts for atomic operations
func (s *Storage) loadScripts() {
	// Reserve the email and write the user document together
	s.scripts["createUser"] = redis.NewScript(`
		local emailKey = KEYS[1]
		local userKey = KEYS[2]
		local id = ARGV[1]
		local data = ARGV[2]

		if redis.call('SETNX', emailKey, id) == 0 then
			return {redis.call('GET', emailKey), 0}
		end
		redis.call('SET', userKey, data)
		return {id, 1}
	`)

	// Insert a license unless its transaction/product pair or key is taken
	s.scripts["createLicense"] = redis.NewScript(`
		local licenseKey = KEYS[1]
		local userLicensesKey = KEYS[2]
		local txnProductKey = KEYS[3]
		local txnKey = KEYS[4]
		local licenseKeyIndex = KEYS[5]
		local id = ARGV[1]
		local data = ARGV[2]
		local hasTxn = ARGV[3] == '1'
		local hasKey = ARGV[4] == '1'

		if hasTxn then
			local existing = redis.call('GET', txnProductKey)
			if existing then
				return {'exists', existing}
			end
		end
		if hasKey and redis.call('EXISTS', licenseKeyIndex) == 1 then
			return {'collision', ''}
		end
		if redis.call('EXISTS', licenseKey) == 1 then
			return {'collision', ''}
		end

		redis.call('SET', licenseKey, data)
		redis.call('SADD', userLicensesKey, id)
		if hasTxn then
			redis.call('SET', txnProductKey, id)
			redis.call('SETNX', txnKey, id)
		end
		if hasKey then
			redis.call('SET', licenseKeyIndex, id)
		end
		return {'ok', id}
	`)

	s.scripts["reset"] = redis.NewScript(accountPrelude + `
		return redis.call('HMGET', accountKey, 'anchor', 'cycleStart', 'resetDate', 'used', 'updatedAt')
	`)

	// Consume credits atomically
	s.scripts["consume"] = redis.NewScript(accountPrelude + `
		local consumptionKey = KEYS[2]
		local amount = tonumber(ARGV[5])
		local total = tonumber(ARGV[6])
		local userID = ARGV[7]
		local action = ARGV[8]
		local metadata = ARGV[9]
		local consumptionTTL = tonumber(ARGV[10])

		local used = tonumber(redis.call('HGET', accountKey, 'used'))
		if used + amount > total then
			local state = redis.call('HMGET', accountKey, 'anchor', 'cycleStart', 'resetDate', 'used', 'updatedAt')
			table.insert(state, 'insufficient')
			return state
		end

		used = used + amount
		redis.call('HSET', accountKey, 'used', used, 'updatedAt', now)

		if consumptionKey ~= '' then
			redis.call('HSET', consumptionKey, 'userId', userID, 'action', action, 'amount', amount,
				'cycleStart', redis.call('HGET', accountKey, 'cycleStart'), 'newUsed', used,
				'refunded', 0, 'refundReason', '', 'metadata', metadata, 'timestamp', now)
			if consumptionTTL > 0 then
				redis.call('PEXPIRE', consumptionKey, consumptionTTL)
			end
		end

		local state = redis.call('HMGET', accountKey, 'anchor', 'cycleStart', 'resetDate', 'used', 'updatedAt')
		table.insert(state, 'ok')
		return state
	`)

	// Refund a consumption exactly once
	s.scripts["refund"] = redis.NewScript(`
		local accountKey = KEYS[1]
		local consumptionKey = KEYS[2]
		local cycleStart = tonumber(ARGV[1])
		local cycleEnd = tonumber(ARGV[2])
		local userID = ARGV[3]
		local reason = ARGV[4]
		local now = tonumber(ARGV[5])

		local owner = redis.call('HGET', consumptionKey, 'userId')
		if not owner or owner ~= userID then
			return {'not_found'}
		end
		if redis.call('EXISTS', accountKey) == 0 then
			return {'not_found'}
		end

		local storedStart = tonumber(redis.call('HGET', accountKey, 'cycleStart'))
		if cycleStart > storedStart then
			redis.call('HSET', accountKey, 'cycleStart', cycleStart, 'resetDate', cycleEnd,
				'used', 0, 'updatedAt', now)
			storedStart = cycleStart
		end

		if redis.call('HGET', consumptionKey, 'refunded') ~= '1' then
			redis.call('HSET', consumptionKey, 'refunded', 1, 'refundReason', reason)
			if tonumber(redis.call('HGET', consumptionKey, 'cycleStart')) == storedStart then
				local amount = tonumber(redis.call('HGET', consumptionKey, 'amount'))
				local used = tonumber(redis.call('HGET', accountKey, 'used')) - amount
				if used < 0 then
					used = 0
				end
				redis.call('HSET', accountKey, 'used', used, 'updatedAt', now)
			end
		end

		local state = redis.call('HMGET', accountKey, 'anchor', 'cycleStart', 'resetDate', 'used', 'updatedAt')
		table.insert(state, 'ok')
		return state
	`)
}

// GetOrCreateUser implements golicense.Storage
func (s *Storage) GetOrCreateUser(ctx context.Context, email, name string) (*golicense.User, bool, error) {
	normalized := golicense.NormalizeEmail(email)
	if normalized == "" {
		return nil, false, fmt.Errorf("invalid email")
	}

	user := &golicense.User{
		ID:        uuid.NewString(),
		Email:     normalized,
		Name:      name,
		CreatedAt: time.Now().UTC(),
	}
	data, err := json.Marshal(user)
	if err != nil {
		return nil, false, fmt.Errorf("failed to marshal user: %w", err)
	}

	result, err := s.scripts["createUser"].Run(ctx, s.client,
		[]string{s.emailKey(normalized), s.userKey(user.ID)},
		user.ID, data,
	).Slice()
	if err != nil {
		return nil, false, fmt.Errorf("failed to create user: %w", err)
	}
	if len(result) != 2 {
		return nil, false, fmt.Errorf("unexpected script result: %v", result)
	}
	if created, _ := result[1].(int64); created == 1 {
		return user, true, nil
	}

	id, _ := result[0].(string)
	existing, err := s.GetUser(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

// FindUserByEmail implements golicense.Storage
func (s *Storage) FindUserByEmail(ctx context.Context, email string) (*golicense.User, error) {
	id, err := s.client.Get(ctx, s.emailKey(golicense.NormalizeEmail(email))).Result()
	if errors.Is(err, redis.Nil) {
		return nil, golicense.ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find user: %w", err)
	}
	return s.GetUser(ctx, id)
}

// GetUser implements golicense.Storage
func (s *Storage) GetUser(ctx context.Context, userID string) (*golicense.User, error) {
	var u golicense.User
	if err := s.getJSON(ctx, s.userKey(userID), &u); err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, golicense.ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return &u, nil
}

// ListLicenses implements golicense.Storage
func (s *Storage) ListLicenses(ctx context.Context, userID string) ([]*golicense.UserLicense, error) {
	ids, err := s.client.SMembers(ctx, s.userLicensesKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list licenses: %w", err)
	}
	out := make([]*golicense.UserLicense, 0, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.licenseKey(id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load licenses: %w", err)
	}
	for _, v := range values {
		str, ok := v.(string)
		if !ok {
			continue
		}
		var lic golicense.UserLicense
		if err := json.Unmarshal([]byte(str), &lic); err != nil {
			return nil, fmt.Errorf("failed to unmarshal license: %w", err)
		}
		out = append(out, &lic)
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].PurchaseDate.Equal(out[j].PurchaseDate) {
			return out[i].PurchaseDate.Before(out[j].PurchaseDate)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// CreateLicense implements golicense.Storage
func (s *Storage) CreateLicense(ctx context.Context, lic *golicense.UserLicense) (*golicense.UserLicense, error) {
	if lic == nil || lic.UserID == "" || lic.ProductID == "" {
		return nil, fmt.Errorf("invalid license")
	}

	stored := *lic
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	if stored.Status == "" {
		stored.Status = golicense.StatusActive
	}
	stored.PurchaseDate = stored.PurchaseDate.UTC()
	stored.UpdatedAt = time.Now().UTC()

	data, err := json.Marshal(&stored)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal license: %w", err)
	}

	result, err := s.scripts["createLicense"].Run(ctx, s.client,
		[]string{
			s.licenseKey(stored.ID),
			s.userLicensesKey(stored.UserID),
			s.txnProductKey(stored.TransactionID, stored.ProductID),
			s.txnLicenseKey(stored.TransactionID),
			s.licenseKeyIndex(stored.LicenseKey),
		},
		stored.ID, data, flag(stored.TransactionID != ""), flag(stored.LicenseKey != ""),
	).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("failed to create license: %w", err)
	}
	if len(result) != 2 {
		return nil, fmt.Errorf("unexpected script result: %v", result)
	}

	switch result[0] {
	case "ok":
		return &stored, nil
	case "exists":
		existing, err := s.getLicense(ctx, result[1])
		if err != nil {
			return nil, err
		}
		return existing, golicense.ErrLicenseExists
	default:
		return nil, fmt.Errorf("license key collision")
	}
}

// GetLicenseByTransaction implements golicense.Storage
func (s *Storage) GetLicenseByTransaction(ctx context.Context, transactionID string) (*golicense.UserLicense, error) {
	id, err := s.client.Get(ctx, s.txnLicenseKey(transactionID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, golicense.ErrLicenseNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get license: %w", err)
	}
	return s.getLicense(ctx, id)
}

// FindLicenseByProduct implements golicense.Storage
func (s *Storage) FindLicenseByProduct(ctx context.Context, userID string,
	productID golicense.ProductID) (*golicense.UserLicense, error) {
	licenses, err := s.ListLicenses(ctx, userID)
	if err != nil {
		return nil, err
	}
	for i := len(licenses) - 1; i >= 0; i-- {
		if licenses[i].ProductID == productID {
			return licenses[i], nil
		}
	}
	return nil, golicense.ErrLicenseNotFound
}

// UpdateLicenseStatus implements golicense.Storage
func (s *Storage) UpdateLicenseStatus(ctx context.Context, licenseID string, status golicense.LicenseStatus) error {
	return s.updateJSON(ctx, s.licenseKey(licenseID), golicense.ErrLicenseNotFound, func(data []byte) ([]byte, error) {
		var lic golicense.UserLicense
		if err := json.Unmarshal(data, &lic); err != nil {
			return nil, fmt.Errorf("failed to unmarshal license: %w", err)
		}
		lic.Status = status
		lic.UpdatedAt = time.Now().UTC()
		return json.Marshal(&lic)
	})
}

func (s *Storage) getLicense(ctx context.Context, id string) (*golicense.UserLicense, error) {
	var lic golicense.UserLicense
	if err := s.getJSON(ctx, s.licenseKey(id), &lic); err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, golicense.ErrLicenseNotFound
		}
		return nil, fmt.Errorf("failed to get license: %w", err)
	}
	return &lic, nil
}

// ClaimTransaction implements golicense.Storage
func (s *Storage) ClaimTransaction(ctx context.Context,
	txn *golicense.Transaction) (*golicense.Transaction, bool, error) {
	if txn == nil || txn.TransactionID == "" {
		return nil, false, fmt.Errorf("invalid transaction")
	}

	stored := *txn
	now := time.Now().UTC()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	stored.UpdatedAt = now

	data, err := json.Marshal(&stored)
	if err != nil {
		return nil, false, fmt.Errorf("failed to marshal transaction: %w", err)
	}

	claimed, err := s.client.SetNX(ctx, s.transactionKey(txn.TransactionID, txn.Type), data, 0).Result()
	if err != nil {
		return nil, false, fmt.Errorf("failed to claim transaction: %w", err)
	}
	if claimed {
		return &stored, true, nil
	}

	existing, err := s.GetTransaction(ctx, txn.TransactionID, txn.Type)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

// UpdateTransaction implements golicense.Storage
func (s *Storage) UpdateTransaction(ctx context.Context, txn *golicense.Transaction) error {
	key := s.transactionKey(txn.TransactionID, txn.Type)
	return s.updateJSON(ctx, key, golicense.ErrTransactionNotFound, func(data []byte) ([]byte, error) {
		var current golicense.Transaction
		if err := json.Unmarshal(data, &current); err != nil {
			return nil, fmt.Errorf("failed to unmarshal transaction: %w", err)
		}
		next := *txn
		next.CreatedAt = current.CreatedAt
		if next.RawPayload == nil {
			next.RawPayload = current.RawPayload
		}
		next.UpdatedAt = time.Now().UTC()
		return json.Marshal(&next)
	})
}

// GetTransaction implements golicense.Storage
func (s *Storage) GetTransaction(ctx context.Context, transactionID string,
	typ golicense.TransactionType) (*golicense.Transaction, error) {
	var txn golicense.Transaction
	if err := s.getJSON(ctx, s.transactionKey(transactionID, typ), &txn); err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, golicense.ErrTransactionNotFound
		}
		return nil, fmt.Errorf("failed to get transaction: %w", err)
	}
	return &txn, nil
}

// GetCreditAccount implements golicense.Storage
func (s *Storage) GetCreditAccount(ctx context.Context, userID string) (*golicense.CreditAccount, error) {
	values, err := s.client.HMGet(ctx, s.accountKey(userID),
		"anchor", "cycleStart", "resetDate", "used", "updatedAt").Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get credit account: %w", err)
	}
	if len(values) == 0 || values[0] == nil {
		return nil, nil // No account yet
	}
	return parseAccount(userID, values)
}

// ResetCredits implements golicense.Storage
func (s *Storage) ResetCredits(ctx context.Context, userID string, anchor time.Time,
	cycle golicense.Cycle) (*golicense.CreditAccount, error) {
	values, err := s.scripts["reset"].Run(ctx, s.client,
		[]string{s.accountKey(userID)},
		millis(cycle.Start), millis(cycle.End), millis(anchor), millis(time.Now()),
	).Slice()
	if err != nil {
		return nil, fmt.Errorf("failed to reset credits: %w", err)
	}
	return parseAccount(userID, values)
}

// ConsumeCredits implements golicense.Storage with atomic consumption via Lua script
func (s *Storage) ConsumeCredits(ctx context.Context, req *golicense.ConsumeRequest) (*golicense.CreditAccount, error) {
	if req.Amount < 0 {
		return nil, golicense.ErrInvalidAmount
	}

	var metadata string
	if len(req.Metadata) > 0 {
		data, err := json.Marshal(req.Metadata)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal metadata: %w", err)
		}
		metadata = string(data)
	}
	consumptionKey := ""
	if req.ConsumptionID != "" {
		consumptionKey = s.consumptionKey(req.ConsumptionID)
	}

	values, err := s.scripts["consume"].Run(ctx, s.client,
		[]string{s.accountKey(req.UserID), consumptionKey},
		millis(req.Cycle.Start), millis(req.Cycle.End), millis(req.Anchor), millis(req.Now),
		req.Amount, req.Total, req.UserID, string(req.Action), metadata,
		s.config.ConsumptionTTL.Milliseconds(),
	).Slice()
	if err != nil {
		return nil, fmt.Errorf("failed to consume credits: %w", err)
	}
	if len(values) != 6 {
		return nil, fmt.Errorf("unexpected script result: %v", values)
	}

	acct, err := parseAccount(req.UserID, values[:5])
	if err != nil {
		return nil, err
	}
	if status, _ := values[5].(string); status == "insufficient" {
		remaining := req.Total - acct.Used
		if remaining < 0 {
			remaining = 0
		}
		return acct, &golicense.InsufficientCreditsError{Required: req.Amount, Remaining: remaining}
	}
	return acct, nil
}

// RefundCredits implements golicense.Storage
func (s *Storage) RefundCredits(ctx context.Context, req *golicense.RefundRequest) (*golicense.CreditAccount, error) {
	values, err := s.scripts["refund"].Run(ctx, s.client,
		[]string{s.accountKey(req.UserID), s.consumptionKey(req.ConsumptionID)},
		millis(req.Cycle.Start), millis(req.Cycle.End), req.UserID, req.Reason, millis(req.Now),
	).Slice()
	if err != nil {
		return nil, fmt.Errorf("failed to refund credits: %w", err)
	}
	if len(values) == 1 {
		return nil, golicense.ErrConsumptionNotFound
	}
	if len(values) != 6 {
		return nil, fmt.Errorf("unexpected script result: %v", values)
	}
	return parseAccount(req.UserID, values[:5])
}

// GetConsumptionRecord implements golicense.Storage
func (s *Storage) GetConsumptionRecord(ctx context.Context,
	consumptionID string) (*golicense.ConsumptionRecord, error) {
	if consumptionID == "" {
		return nil, nil
	}

	fields, err := s.client.HGetAll(ctx, s.consumptionKey(consumptionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get consumption record: %w", err)
	}
	if len(fields) == 0 {
		return nil, nil // No record found is not an error
	}

	record := &golicense.ConsumptionRecord{
		ConsumptionID: consumptionID,
		UserID:        fields["userId"],
		Action:        golicense.ActionType(fields["action"]),
		Refunded:      fields["refunded"] == "1",
		RefundReason:  fields["refundReason"],
	}
	if record.Amount, err = strconv.Atoi(fields["amount"]); err != nil {
		return nil, fmt.Errorf("failed to parse amount: %w", err)
	}
	if record.NewUsed, err = strconv.Atoi(fields["newUsed"]); err != nil {
		return nil, fmt.Errorf("failed to parse new usage: %w", err)
	}
	if record.CycleStart, err = parseMillis(fields["cycleStart"]); err != nil {
		return nil, err
	}
	if record.Timestamp, err = parseMillis(fields["timestamp"]); err != nil {
		return nil, err
	}
	if md := fields["metadata"]; md != "" {
		if err := json.Unmarshal([]byte(md), &record.Metadata); err != nil {
			// Metadata parsing error is not critical
			record.Metadata = nil
		}
	}
	return record, nil
}

// Close closes the Redis connection
func (s *Storage) Close() error {
	return s.client.Close()
}

// Ping checks the Redis connection
func (s *Storage) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *Storage) getJSON(ctx context.Context, key string, v interface{}) error {
	data, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to unmarshal %s: %w", key, err)
	}
	return nil
}

// updateJSON applies mutate to the document at key inside a WATCH transaction,
// retrying on concurrent modification
func (s *Storage) updateJSON(ctx context.Context, key string, notFound error,
	mutate func([]byte) ([]byte, error)) error {
	for attempt := 0; attempt < s.config.MaxRetries; attempt++ {
		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, key).Bytes()
			if errors.Is(err, redis.Nil) {
				return notFound
			}
			if err != nil {
				return err
			}
			next, err := mutate(data)
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, next, 0)
				return nil
			})
			return err
		}, key)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return fmt.Errorf("failed to update %s: too many concurrent modifications", key)
}

func parseAccount(userID string, values []interface{}) (*golicense.CreditAccount, error) {
	if len(values) < 5 {
		return nil, fmt.Errorf("invalid credit account data")
	}
	nums := make([]int64, 5)
	for i := 0; i < 5; i++ {
		switch v := values[i].(type) {
		case string:
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("failed to parse credit account: %w", err)
			}
			nums[i] = n
		case int64:
			nums[i] = v
		default:
			return nil, fmt.Errorf("invalid credit account field %d: %v", i, v)
		}
	}
	return &golicense.CreditAccount{
		UserID:     userID,
		Anchor:     time.UnixMilli(nums[0]).UTC(),
		CycleStart: time.UnixMilli(nums[1]).UTC(),
		ResetDate:  time.UnixMilli(nums[2]).UTC(),
		Used:       int(nums[3]),
		UpdatedAt:  time.UnixMilli(nums[4]).UTC(),
	}, nil
}

func millis(t time.Time) int64 {
	return t.UnixMilli()
}

func parseMillis(v string) (time.Time, error) {
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse timestamp: %w", err)
	}
	return time.UnixMilli(n).UTC(), nil
}

func flag(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func (s *Storage) userKey(userID string) string {
	return fmt.Sprintf("%suser:%s", s.config.KeyPrefix, userID)
}

func (s *Storage) emailKey(email string) string {
	return fmt.Sprintf("%suser:email:%s", s.config.KeyPrefix, email)
}

func (s *Storage) userLicensesKey(userID string) string {
	return fmt.Sprintf("%suser:%s:licenses", s.config.KeyPrefix, userID)
}

func (s *Storage) licenseKey(licenseID string) string {
	return fmt.Sprintf("%slicense:%s", s.config.KeyPrefix, licenseID)
}

func (s *Storage) licenseKeyIndex(licenseKey string) string {
	return fmt.Sprintf("%slicense:key:%s", s.config.KeyPrefix, licenseKey)
}

func (s *Storage) txnLicenseKey(transactionID string) string {
	return fmt.Sprintf("%slicense:txn:%s", s.config.KeyPrefix, transactionID)
}

func (s *Storage) txnProductKey(transactionID string, productID golicense.ProductID) string {
	return fmt.Sprintf("%slicense:txn:%s:%s", s.config.KeyPrefix, transactionID, productID)
}

func (s *Storage) transactionKey(transactionID string, typ golicense.TransactionType) string {
	return fmt.Sprintf("%stxn:%s", s.config.KeyPrefix, golicense.TransactionKey(transactionID, typ))
}

func (s *Storage) accountKey(userID string) string {
	return fmt.Sprintf("%scredits:%s", s.config.KeyPrefix, userID)
}

func (s *Storage) consumptionKey(consumptionID string) string {
	return fmt.Sprintf("%sconsumption:%s", s.config.KeyPrefix, consumptionID)
}
