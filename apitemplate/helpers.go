package apitemplate

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/google/uuid"
)

// helperFunc evaluates one registered helper call. Arguments have already
// been resolved to native values (string/int64/float64/bool/nil); the
// helper is responsible for its own arity and type checks.
type helperFunc func(args []any, ec *evalContext, off int) (any, error)

var registry = map[string]helperFunc{
	"uuid":           helperUUID,
	"now":            helperNow,
	"random-int":     helperRandomInt,
	"random-choice":  helperRandomChoice,
	"faker.name":     helperFakerName,
	"faker.email":    helperFakerEmail,
	"faker.lorem":    helperFakerLorem,
	"incr":           helperIncr,
	"upper":          helperUpper,
	"lower":          helperLower,
	"json":           helperJSON,
	"hash":           helperHash,
}

func arity(args []any, off int, name string, want int) error {
	if len(args) != want {
		return newErr(KindArityError, off, "%s expects %d argument(s), got %d", name, want, len(args))
	}
	return nil
}

func asInt64(v any, off int, name string) (int64, error) {
	switch t := v.(type) {
	case int64:
		return t, nil
	case float64:
		return int64(t), nil
	case string:
		n, err := strconv.ParseInt(t, 10, 64)
		if err != nil {
			return 0, newErr(KindTypeError, off, "%s: %q is not an integer", name, t)
		}
		return n, nil
	default:
		return 0, newErr(KindTypeError, off, "%s: argument is not an integer", name)
	}
}

func asString(v any, off int, name string) (string, error) {
	s, ok := v.(string)
	if !ok {
		return "", newErr(KindTypeError, off, "%s: argument is not a string", name)
	}
	return s, nil
}

func helperUUID(args []any, ec *evalContext, off int) (any, error) {
	if err := arity(args, off, "uuid", 0); err != nil {
		return nil, err
	}
	return uuid.New().String(), nil
}

func helperNow(args []any, ec *evalContext, off int) (any, error) {
	if len(args) > 1 {
		return nil, newErr(KindArityError, off, "now expects 0 or 1 argument, got %d", len(args))
	}
	now := ec.base.Now
	if len(args) == 0 {
		return now.Format(time.RFC3339), nil
	}
	format, err := asString(args[0], off, "now")
	if err != nil {
		return nil, err
	}
	switch format {
	case "unix":
		return now.Unix(), nil
	case "unixms":
		return now.UnixMilli(), nil
	default:
		return now.Format(format), nil
	}
}

func helperRandomInt(args []any, ec *evalContext, off int) (any, error) {
	if err := arity(args, off, "random-int", 2); err != nil {
		return nil, err
	}
	lo, err := asInt64(args[0], off, "random-int")
	if err != nil {
		return nil, err
	}
	hi, err := asInt64(args[1], off, "random-int")
	if err != nil {
		return nil, err
	}
	if hi < lo {
		lo, hi = hi, lo
	}
	span := hi - lo + 1
	if span <= 0 {
		return lo, nil
	}
	return lo + ec.base.rand().Int63n(span), nil
}

func helperRandomChoice(args []any, ec *evalContext, off int) (any, error) {
	if len(args) == 0 {
		return nil, newErr(KindArityError, off, "random-choice expects at least 1 argument, got 0")
	}
	return args[ec.base.rand().Intn(len(args))], nil
}

func helperFakerName(args []any, ec *evalContext, off int) (any, error) {
	if err := arity(args, off, "faker.name", 0); err != nil {
		return nil, err
	}
	return gofakeit.Name(), nil
}

func helperFakerEmail(args []any, ec *evalContext, off int) (any, error) {
	if err := arity(args, off, "faker.email", 0); err != nil {
		return nil, err
	}
	return gofakeit.Email(), nil
}

func helperFakerLorem(args []any, ec *evalContext, off int) (any, error) {
	if err := arity(args, off, "faker.lorem", 1); err != nil {
		return nil, err
	}
	n, err := asInt64(args[0], off, "faker.lorem")
	if err != nil {
		return nil, err
	}
	if n <= 0 {
		return "", nil
	}
	return gofakeit.LoremIpsumSentence(int(n)), nil
}

// helperIncr reads and atomically updates a state-store key, interpreting
// its current value as an integer (missing = 0) and adding 1. The spec's
// own literal example (`{{incr state counter}}`) writes the key across two
// whitespace-separated tokens instead of the dotted `state.counter` path;
// both forms are accepted here so either rendering of the same intent
// resolves to the same key.
func helperIncr(args []any, ec *evalContext, off int) (any, error) {
	var key string
	switch len(args) {
	case 1:
		s, err := asString(args[0], off, "incr")
		if err != nil {
			return nil, err
		}
		key = strings.TrimPrefix(s, "state.")
	case 2:
		first, err := asString(args[0], off, "incr")
		if err != nil {
			return nil, err
		}
		second, err := asString(args[1], off, "incr")
		if err != nil {
			return nil, err
		}
		if first != "state" {
			return nil, newErr(KindArityError, off, "incr expects 1 argument, got %d", len(args))
		}
		key = second
	default:
		return nil, newErr(KindArityError, off, "incr expects 1 argument, got %d", len(args))
	}

	if ec.base.Mutator == nil {
		return nil, newErr(KindStateConflict, off, "incr: no state mutator available for this render")
	}
	next := ec.base.Mutator.Mutate(key, func(current any) any {
		var n int64
		switch t := current.(type) {
		case int64:
			n = t
		case float64:
			n = int64(t)
		}
		return n + 1
	})
	return next, nil
}

func helperUpper(args []any, ec *evalContext, off int) (any, error) {
	if err := arity(args, off, "upper", 1); err != nil {
		return nil, err
	}
	s, err := asString(args[0], off, "upper")
	if err != nil {
		return nil, err
	}
	return strings.ToUpper(s), nil
}

func helperLower(args []any, ec *evalContext, off int) (any, error) {
	if err := arity(args, off, "lower", 1); err != nil {
		return nil, err
	}
	s, err := asString(args[0], off, "lower")
	if err != nil {
		return nil, err
	}
	return strings.ToLower(s), nil
}

func helperJSON(args []any, ec *evalContext, off int) (any, error) {
	if err := arity(args, off, "json", 1); err != nil {
		return nil, err
	}
	b, err := json.Marshal(args[0])
	if err != nil {
		return nil, newErr(KindTypeError, off, "json: %v", err)
	}
	return string(b), nil
}

func helperHash(args []any, ec *evalContext, off int) (any, error) {
	if err := arity(args, off, "hash", 2); err != nil {
		return nil, err
	}
	algo, err := asString(args[0], off, "hash")
	if err != nil {
		return nil, err
	}
	s, err := asString(args[1], off, "hash")
	if err != nil {
		return nil, err
	}
	switch algo {
	case "sha1":
		sum := sha1.Sum([]byte(s))
		return hex.EncodeToString(sum[:]), nil
	case "sha256":
		sum := sha256.Sum256([]byte(s))
		return hex.EncodeToString(sum[:]), nil
	case "md5":
		sum := md5.Sum([]byte(s))
		return hex.EncodeToString(sum[:]), nil
	default:
		return nil, newErr(KindTypeError, off, "hash: unknown algorithm %q", algo)
	}
}
