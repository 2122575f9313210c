package echocanceller

import (
	"fmt"
	"sort"
	"sync"
)

type Factory func(args Args) (EchoCanceller, error)

var (
	factoriesLocker sync.Mutex
	factories       = map[string]Factory{}
)

// Register makes an engine available by name; it is supposed to be
// called from init().
func Register(name string, factory Factory) {
	factoriesLocker.Lock()
	defer factoriesLocker.Unlock()
	if _, ok := factories[name]; ok {
		panic(fmt.Errorf("there is already registered an echo canceller '%s'", name))
	}
	factories[name] = factory
}

func Names() []string {
	factoriesLocker.Lock()
	defer factoriesLocker.Unlock()
	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func New(name string, args Args) (EchoCanceller, error) {
	factoriesLocker.Lock()
	factory, ok := factories[name]
	factoriesLocker.Unlock()
	if !ok {
		return nil, fmt.Errorf("unknown echo canceller '%s' (known: %v)", name, Names())
	}
	ec, err := factory(args)
	if err != nil {
		return nil, fmt.Errorf("unable to initialize echo canceller '%s': %w", name, err)
	}
	return ec, nil
}

// CheckMode verifies that the engine implements the processing mode it declares.
func CheckMode(ec EchoCanceller) error {
	_, isCombined := ec.(Combined)
	_, isSplit := ec.(Split)
	switch {
	case ec.DriftCompensation() && !isSplit:
		return fmt.Errorf("%T declares drift compensation, but does not implement play/record", ec)
	case !ec.DriftCompensation() && !isCombined:
		return fmt.Errorf("%T does not declare drift compensation, but does not implement run", ec)
	}
	return nil
}
