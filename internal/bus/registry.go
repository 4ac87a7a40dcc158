package bus

import (
	"fmt"
	"reflect"
	"sync"

	"github.com/CZERTAINLY/Courier/internal/codec"
)

var types = struct {
	sync.RWMutex
	byName map[string]reflect.Type
	byType map[reflect.Type]string
}{
	byName: make(map[string]reflect.Type),
	byType: make(map[reflect.Type]string),
}

// Register makes the type of prototype transferable under name. Prototype
// must be a pointer, e.g. (*Ping)(nil); delivered payloads have the same
// pointer type. Registering a name twice panics.
func Register(name string, prototype any) {
	t := reflect.TypeOf(prototype)
	if t == nil || t.Kind() != reflect.Pointer {
		panic(fmt.Sprintf("bus: prototype of %q must be a pointer, got %T", name, prototype))
	}
	types.Lock()
	defer types.Unlock()
	if _, ok := types.byName[name]; ok {
		panic(fmt.Sprintf("bus: %q registered twice", name))
	}
	types.byName[name] = t.Elem()
	types.byType[t] = name
}

func encode(payload any) (string, []byte, error) {
	t := reflect.TypeOf(payload)
	types.RLock()
	name, ok := types.byType[t]
	types.RUnlock()
	if !ok {
		return "", nil, fmt.Errorf("%w: %T", ErrNotRegistered, payload)
	}
	raw, err := codec.Marshal(payload)
	if err != nil {
		return "", nil, fmt.Errorf("encoding %s: %w", name, err)
	}
	return name, raw, nil
}

func decode(name string, raw []byte) (any, error) {
	types.RLock()
	t, ok := types.byName[name]
	types.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotRegistered, name)
	}
	v := reflect.New(t)
	if err := codec.Unmarshal(raw, v.Interface()); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", name, err)
	}
	return v.Interface(), nil
}
