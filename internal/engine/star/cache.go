package star

import (
	"errors"
	"fmt"
	"sort"

	"go.starlark.net/starlark"

	"github.com/starwalkn/ladle/internal/script"
)

// cacheValue exposes the shared cache to scripts as an object with get, put, delete,
// keys and size methods.
type cacheValue struct {
	c script.Cache
}

var _ starlark.HasAttrs = (*cacheValue)(nil)

var cacheMethods = map[string]func(c script.Cache, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error){
	"get":    cacheGet,
	"put":    cachePut,
	"delete": cacheDelete,
	"keys":   cacheKeys,
	"size":   cacheSize,
}

func newCache(c script.Cache) starlark.Value {
	if c == nil {
		return starlark.None
	}

	return &cacheValue{c: c}
}

func (v *cacheValue) String() string        { return "<sharedcache>" }
func (v *cacheValue) Type() string          { return "sharedcache" }
func (v *cacheValue) Freeze()               {}
func (v *cacheValue) Truth() starlark.Bool  { return starlark.True }
func (v *cacheValue) Hash() (uint32, error) { return 0, errors.New("unhashable type: sharedcache") }

func (v *cacheValue) Attr(name string) (starlark.Value, error) {
	fn, ok := cacheMethods[name]
	if !ok {
		return nil, nil //nolint:nilnil // starlark reports the missing attribute
	}

	return starlark.NewBuiltin(name, func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		return fn(v.c, b, args, kwargs)
	}), nil
}

func (v *cacheValue) AttrNames() []string {
	names := make([]string, 0, len(cacheMethods))
	for name := range cacheMethods {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}

func cacheGet(c script.Cache, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var (
		key string
		def starlark.Value = starlark.None
	)

	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "key", &key, "default?", &def); err != nil {
		return nil, err
	}

	v, ok := c.Get(key)
	if !ok {
		return def, nil
	}

	return toStarlark(v)
}

func cachePut(c script.Cache, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var (
		key string
		val starlark.Value
	)

	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "key", &key, "value", &val); err != nil {
		return nil, err
	}

	gv, err := fromStarlark(val)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}

	c.Put(key, gv)

	return starlark.None, nil
}

func cacheDelete(c script.Cache, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var key string

	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "key", &key); err != nil {
		return nil, err
	}

	c.Delete(key)

	return starlark.None, nil
}

func cacheKeys(c script.Cache, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if err := starlark.UnpackArgs(b.Name(), args, kwargs); err != nil {
		return nil, err
	}

	keys := c.Keys()
	elems := make([]starlark.Value, 0, len(keys))

	for _, k := range keys {
		elems = append(elems, starlark.String(k))
	}

	return starlark.NewList(elems), nil
}

func cacheSize(c script.Cache, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if err := starlark.UnpackArgs(b.Name(), args, kwargs); err != nil {
		return nil, err
	}

	return starlark.MakeInt(c.Len()), nil
}

// fromStarlark converts a script value into a plain Go value so that every engine can
// read what another one stored.
func fromStarlark(v starlark.Value) (any, error) {
	switch x := v.(type) {
	case starlark.NoneType:
		return nil, nil //nolint:nilnil // None is stored as nil
	case starlark.Bool:
		return bool(x), nil
	case starlark.Int:
		i, ok := x.Int64()
		if !ok {
			return nil, errors.New("integer out of range")
		}

		return i, nil
	case starlark.Float:
		return float64(x), nil
	case starlark.String:
		return string(x), nil
	case *starlark.List:
		return iterableToSlice(x)
	case starlark.Tuple:
		return iterableToSlice(x)
	case *starlark.Dict:
		out := make(map[string]any, x.Len())

		for _, item := range x.Items() {
			k, ok := starlark.AsString(item[0])
			if !ok {
				return nil, fmt.Errorf("dict keys must be strings, got %s", item[0].Type())
			}

			gv, err := fromStarlark(item[1])
			if err != nil {
				return nil, err
			}

			out[k] = gv
		}

		return out, nil
	default:
		return nil, fmt.Errorf("cannot store value of type %s", v.Type())
	}
}

func iterableToSlice(it starlark.Indexable) ([]any, error) {
	out := make([]any, 0, it.Len())

	for i := range it.Len() {
		gv, err := fromStarlark(it.Index(i))
		if err != nil {
			return nil, err
		}

		out = append(out, gv)
	}

	return out, nil
}

func toStarlark(v any) (starlark.Value, error) {
	switch x := v.(type) {
	case nil:
		return starlark.None, nil
	case bool:
		return starlark.Bool(x), nil
	case int:
		return starlark.MakeInt(x), nil
	case int64:
		return starlark.MakeInt64(x), nil
	case float64:
		return starlark.Float(x), nil
	case string:
		return starlark.String(x), nil
	case []byte:
		return starlark.String(x), nil
	case []any:
		elems := make([]starlark.Value, 0, len(x))

		for _, e := range x {
			sv, err := toStarlark(e)
			if err != nil {
				return nil, err
			}

			elems = append(elems, sv)
		}

		return starlark.NewList(elems), nil
	case map[string]any:
		d := starlark.NewDict(len(x))

		for k, e := range x {
			sv, err := toStarlark(e)
			if err != nil {
				return nil, err
			}

			if err = d.SetKey(starlark.String(k), sv); err != nil {
				return nil, err
			}
		}

		return d, nil
	default:
		return nil, fmt.Errorf("cached value of type %T is not readable from starlark", v)
	}
}
