package storage

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/tos-network/stratum-pool/internal/util"
)

const (
	keyPrefix = "stratum:"

	keyHashrate     = keyPrefix + "hashrate"
	keyHashrateUser = keyPrefix + "hashrate:%s"
	keyMiners       = keyPrefix + "miners"
	keyBans         = keyPrefix + "bans"
	keyBlacklist    = keyPrefix + "blacklist"
	keyWhitelist    = keyPrefix + "whitelist"
	keyPayoutLock   = keyPrefix + "payout:lock"
)

// RedisClient wraps the Redis operations the pool uses for live state that
// does not belong in the ledger
type RedisClient struct {
	client *redis.Client
	ctx    context.Context
}

// NewRedisClient creates a new Redis client
func NewRedisClient(url, password string, db int) (*RedisClient, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     url,
		Password: password,
		DB:       db,
	})

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	util.Infof("Connected to Redis at %s", url)
	return &RedisClient{client: client, ctx: ctx}, nil
}

// Close closes the Redis connection
func (r *RedisClient) Close() error {
	return r.client.Close()
}

// WriteShare records an accepted share in the rolling hashrate window
func (r *RedisClient) WriteShare(share *Share, window time.Duration) error {
	now := share.Time
	if now == 0 {
		now = time.Now().Unix()
	}
	member := &redis.Z{
		Score:  float64(now),
		Member: fmt.Sprintf("%s:%s:%d", strconv.FormatFloat(share.Difficulty, 'f', -1, 64), share.Username, share.ID),
	}
	userKey := fmt.Sprintf(keyHashrateUser, share.Username)

	pipe := r.client.Pipeline()
	pipe.ZAdd(r.ctx, keyHashrate, member)
	pipe.ZAdd(r.ctx, userKey, member)
	pipe.Expire(r.ctx, userKey, window)
	pipe.ZAdd(r.ctx, keyMiners, &redis.Z{Score: float64(now), Member: share.Username})
	_, err := pipe.Exec(r.ctx)
	return err
}

// GetHashrate returns the pool hashrate over window
func (r *RedisClient) GetHashrate(window time.Duration) (float64, error) {
	return r.windowHashrate(keyHashrate, window)
}

// GetMinerHashrate returns one user's hashrate over window
func (r *RedisClient) GetMinerHashrate(username string, window time.Duration) (float64, error) {
	return r.windowHashrate(fmt.Sprintf(keyHashrateUser, username), window)
}

func (r *RedisClient) windowHashrate(key string, window time.Duration) (float64, error) {
	minTime := time.Now().Add(-window).Unix()

	results, err := r.client.ZRangeByScore(r.ctx, key, &redis.ZRangeBy{
		Min: strconv.FormatInt(minTime, 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return 0, err
	}

	var total float64
	for _, result := range results {
		diff, err := strconv.ParseFloat(strings.SplitN(result, ":", 2)[0], 64)
		if err != nil {
			continue
		}
		total += diff
	}

	// diff1 shares per second times the work in one diff1 share
	return total * 4294967296 / window.Seconds(), nil
}

// CountActiveMiners counts users with a share inside window
func (r *RedisClient) CountActiveMiners(window time.Duration) (int64, error) {
	minTime := time.Now().Add(-window).Unix()
	return r.client.ZCount(r.ctx, keyMiners, strconv.FormatInt(minTime, 10), "+inf").Result()
}

// PurgeStaleHashrate removes entries older than window
func (r *RedisClient) PurgeStaleHashrate(window time.Duration) error {
	maxTime := strconv.FormatInt(time.Now().Add(-window).Unix(), 10)

	pipe := r.client.Pipeline()
	pipe.ZRemRangeByScore(r.ctx, keyHashrate, "-inf", maxTime)
	pipe.ZRemRangeByScore(r.ctx, keyMiners, "-inf", maxTime)
	_, err := pipe.Exec(r.ctx)
	return err
}

// BanHost persists a ban until expires
func (r *RedisClient) BanHost(host string, expires time.Time) error {
	return r.client.HSet(r.ctx, keyBans, host, expires.Unix()).Err()
}

// UnbanHost removes a persisted ban
func (r *RedisClient) UnbanHost(host string) error {
	return r.client.HDel(r.ctx, keyBans, host).Err()
}

// GetBans returns every persisted ban that has not expired. Expired entries
// are removed.
func (r *RedisClient) GetBans() ([]Ban, error) {
	data, err := r.client.HGetAll(r.ctx, keyBans).Result()
	if err != nil {
		return nil, err
	}

	now := time.Now().Unix()
	var bans []Ban
	var expired []string
	for host, v := range data {
		ts, err := strconv.ParseInt(v, 10, 64)
		if err != nil || ts <= now {
			expired = append(expired, host)
			continue
		}
		bans = append(bans, Ban{Host: host, Expires: time.Unix(ts, 0)})
	}
	if len(expired) > 0 {
		if err := r.client.HDel(r.ctx, keyBans, expired...).Err(); err != nil {
			util.Warnf("Failed to purge expired bans: %v", err)
		}
	}
	return bans, nil
}

// IsBlacklisted checks if a username is blacklisted
func (r *RedisClient) IsBlacklisted(username string) (bool, error) {
	return r.client.SIsMember(r.ctx, keyBlacklist, username).Result()
}

// AddToBlacklist adds a username to the blacklist
func (r *RedisClient) AddToBlacklist(username string) error {
	return r.client.SAdd(r.ctx, keyBlacklist, username).Err()
}

// RemoveFromBlacklist removes a username from the blacklist
func (r *RedisClient) RemoveFromBlacklist(username string) error {
	return r.client.SRem(r.ctx, keyBlacklist, username).Err()
}

// GetBlacklist returns all blacklisted usernames
func (r *RedisClient) GetBlacklist() ([]string, error) {
	return r.client.SMembers(r.ctx, keyBlacklist).Result()
}

// GetWhitelist returns all whitelisted hosts
func (r *RedisClient) GetWhitelist() ([]string, error) {
	return r.client.SMembers(r.ctx, keyWhitelist).Result()
}

// AddToWhitelist adds a host to the whitelist
func (r *RedisClient) AddToWhitelist(host string) error {
	return r.client.SAdd(r.ctx, keyWhitelist, host).Err()
}

// RemoveFromWhitelist removes a host from the whitelist
func (r *RedisClient) RemoveFromWhitelist(host string) error {
	return r.client.SRem(r.ctx, keyWhitelist, host).Err()
}

// LockPayouts acquires the cross-process payout lock
func (r *RedisClient) LockPayouts(lockID string, ttl time.Duration) (bool, error) {
	return r.client.SetNX(r.ctx, keyPayoutLock, lockID, ttl).Result()
}

// UnlockPayouts releases the payout lock if lockID still owns it
func (r *RedisClient) UnlockPayouts(lockID string) error {
	current, err := r.client.Get(r.ctx, keyPayoutLock).Result()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		return err
	}
	if current == lockID {
		return r.client.Del(r.ctx, keyPayoutLock).Err()
	}
	return nil
}

// IsPayoutsLocked checks if payouts are locked
func (r *RedisClient) IsPayoutsLocked() (bool, error) {
	exists, err := r.client.Exists(r.ctx, keyPayoutLock).Result()
	return exists > 0, err
}
