package quotafs

import (
	"fmt"
	"os"
	"strconv"

	"github.com/valyala/fastjson"
)

// DefaultQuota is the seed quota used when nothing else is configured.
const DefaultQuota uint64 = 4096

// Config controls the quota given to users when their ledger record is
// first created. Existing records keep the quota stored in the ledger.
type Config struct {
	DefaultQuota uint64
	UserQuotas   map[uint32]uint64
}

func (c Config) QuotaFor(uid uint32) uint64 {
	if q, ok := c.UserQuotas[uid]; ok && q > 0 {
		return q
	}
	if c.DefaultQuota == 0 {
		return DefaultQuota
	}
	return c.DefaultQuota
}

// ParseConfig parses a config file of the form:
//
//	{"default_quota": 8192, "users": {"1000": 1048576}}
func ParseConfig(data []byte) (Config, error) {
	cfg := Config{
		UserQuotas: make(map[uint32]uint64),
	}

	v, err := fastjson.ParseBytes(data)
	if err != nil {
		return Config{}, err
	}
	obj, err := v.Object()
	if err != nil {
		return Config{}, err
	}

	var visitErr error
	obj.Visit(func(key []byte, v *fastjson.Value) {
		if visitErr != nil {
			return
		}
		switch string(key) {
		case "default_quota":
			cfg.DefaultQuota, visitErr = parseQuotaValue("default_quota", v)
		case "users":
			visitErr = parseUserQuotas(v, cfg.UserQuotas)
		default:
			visitErr = fmt.Errorf("unknown config key %q", string(key))
		}
	})
	if visitErr != nil {
		return Config{}, visitErr
	}

	return cfg, nil
}

func parseUserQuotas(v *fastjson.Value, out map[uint32]uint64) error {
	users, err := v.Object()
	if err != nil {
		return fmt.Errorf("users: %w", err)
	}
	var visitErr error
	users.Visit(func(key []byte, v *fastjson.Value) {
		if visitErr != nil {
			return
		}
		uid, err := strconv.ParseUint(string(key), 10, 32)
		if err != nil {
			visitErr = fmt.Errorf("users: invalid uid %q", string(key))
			return
		}
		out[uint32(uid)], visitErr = parseQuotaValue("users."+string(key), v)
	})
	return visitErr
}

func parseQuotaValue(name string, v *fastjson.Value) (uint64, error) {
	q, err := v.Uint64()
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	if q == 0 {
		return 0, fmt.Errorf("%s: quota must be positive", name)
	}
	return q, nil
}

func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	cfg, err := ParseConfig(data)
	if err != nil {
		return Config{}, fmt.Errorf("unable to parse config %q: %w", path, err)
	}
	return cfg, nil
}
