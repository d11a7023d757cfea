package loader

import (
	"fmt"
	"sort"
	"sync"

	"github.com/guseggert/childproc/task"
)

type TaskFactory func() (task.Task, error)

type ServiceFactory func() (task.Service, error)

// Registry resolves descriptors to Go code compiled into the child executable.
// The location is ignored.
type Registry struct {
	mut      sync.RWMutex
	methods  map[string]task.Method
	tasks    map[string]TaskFactory
	services map[string]ServiceFactory
}

func NewRegistry() *Registry {
	return &Registry{
		methods:  map[string]task.Method{},
		tasks:    map[string]TaskFactory{},
		services: map[string]ServiceFactory{},
	}
}

func (r *Registry) RegisterMethod(name string, m task.Method) *Registry {
	r.mut.Lock()
	defer r.mut.Unlock()
	r.methods[name] = m
	return r
}

func (r *Registry) RegisterTask(name string, f TaskFactory) *Registry {
	r.mut.Lock()
	defer r.mut.Unlock()
	r.tasks[name] = f
	return r
}

func (r *Registry) RegisterService(name string, f ServiceFactory) *Registry {
	r.mut.Lock()
	defer r.mut.Unlock()
	r.services[name] = f
	return r
}

// Names lists every registered descriptor, sorted.
func (r *Registry) Names() []string {
	r.mut.RLock()
	defer r.mut.RUnlock()
	var names []string
	for n := range r.methods {
		names = append(names, n)
	}
	for n := range r.tasks {
		names = append(names, n)
	}
	for n := range r.services {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) Load(location, descriptor string) (Target, error) {
	r.mut.RLock()
	defer r.mut.RUnlock()
	t := &registryTarget{descriptor: descriptor}
	t.method = r.methods[descriptor]
	t.taskFactory = r.tasks[descriptor]
	t.serviceFactory = r.services[descriptor]
	if t.method == nil && t.taskFactory == nil && t.serviceFactory == nil {
		return nil, fmt.Errorf("%w: nothing registered as %q", ErrNotFound, descriptor)
	}
	return t, nil
}

type registryTarget struct {
	descriptor     string
	method         task.Method
	taskFactory    TaskFactory
	serviceFactory ServiceFactory
}

func (t *registryTarget) Descriptor() string { return t.descriptor }

func (t *registryTarget) Method() (task.Method, error) {
	if t.method == nil {
		return nil, shapeErr(t.descriptor, "method")
	}
	return t.method, nil
}

func (t *registryTarget) Task() (task.Task, error) {
	if t.taskFactory == nil {
		return nil, shapeErr(t.descriptor, "task")
	}
	tk, err := t.taskFactory()
	if err != nil {
		return nil, fmt.Errorf("%w: constructing %q: %v", ErrShape, t.descriptor, err)
	}
	if tk == nil {
		return nil, fmt.Errorf("%w: factory for %q returned no task", ErrShape, t.descriptor)
	}
	return tk, nil
}

func (t *registryTarget) Service() (task.Service, error) {
	if t.serviceFactory == nil {
		return nil, shapeErr(t.descriptor, "service")
	}
	svc, err := t.serviceFactory()
	if err != nil {
		return nil, fmt.Errorf("%w: constructing %q: %v", ErrShape, t.descriptor, err)
	}
	if svc == nil {
		return nil, fmt.Errorf("%w: factory for %q returned no service", ErrShape, t.descriptor)
	}
	return svc, nil
}
