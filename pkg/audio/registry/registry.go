package registry

import (
	"fmt"
	"reflect"
	"sort"
	"sync"

	"github.com/xaionaro-go/echocancel/pkg/audio/types"
)

type PlayerPCMFactory interface {
	NewPlayerPCM() (types.PlayerPCM, error)
}

type RecorderPCMFactory interface {
	NewRecorderPCM() (types.RecorderPCM, error)
}

type factoryWithPriority[F any] struct {
	Priority int
	Factory  F
}

type factoryRegistry[F any] struct {
	locker    sync.Mutex
	factories map[reflect.Type]factoryWithPriority[F]
}

func (r *factoryRegistry[F]) register(priority int, factory F) {
	t := reflect.ValueOf(factory).Type()
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}

	r.locker.Lock()
	defer r.locker.Unlock()
	if r.factories == nil {
		r.factories = map[reflect.Type]factoryWithPriority[F]{}
	}
	if _, ok := r.factories[t]; ok {
		panic(fmt.Errorf("there is already registered a factory of type %v", t))
	}
	r.factories[t] = factoryWithPriority[F]{
		Priority: priority,
		Factory:  factory,
	}
}

// list returns the factories ordered by priority, highest first.
func (r *factoryRegistry[F]) list() []F {
	r.locker.Lock()
	defer r.locker.Unlock()

	withPriorities := make([]factoryWithPriority[F], 0, len(r.factories))
	for _, factory := range r.factories {
		withPriorities = append(withPriorities, factory)
	}
	sort.SliceStable(withPriorities, func(i, j int) bool {
		return withPriorities[i].Priority > withPriorities[j].Priority
	})

	result := make([]F, 0, len(withPriorities))
	for _, factory := range withPriorities {
		result = append(result, factory.Factory)
	}
	return result
}

var (
	playerFactoryRegistry   factoryRegistry[PlayerPCMFactory]
	recorderFactoryRegistry factoryRegistry[RecorderPCMFactory]
)

func RegisterPlayerFactory(priority int, factory PlayerPCMFactory) {
	playerFactoryRegistry.register(priority, factory)
}

func RegisterRecorderFactory(priority int, factory RecorderPCMFactory) {
	recorderFactoryRegistry.register(priority, factory)
}

func PlayerFactories() []PlayerPCMFactory {
	return playerFactoryRegistry.list()
}

func RecorderFactories() []RecorderPCMFactory {
	return recorderFactoryRegistry.list()
}
