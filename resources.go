package tactus

import (
	"net/http"
	"time"
)

// Resource is a dependency created at invocation start and torn down with
// the owning invocation. Child invocations inherit the parent's resources
// by reference.
type Resource interface {
	Name() string
	Value() any
	Close() error
}

// ResourceFactory builds a resource from its declaration.
type ResourceFactory func(spec *ResourceSpec) (Resource, error)

// resourceSet holds the live resources of one invocation tree.
type resourceSet struct {
	resources map[string]Resource
	owned     bool
}

func newResourceSet(specs []*ResourceSpec, factories map[string]ResourceFactory) (*resourceSet, error) {
	set := &resourceSet{resources: map[string]Resource{}, owned: true}
	for _, spec := range specs {
		factory, ok := factories[spec.Type]
		if !ok {
			set.close()
			return nil, NewError(ErrValidation, "unknown resource type %q for %q", spec.Type, spec.Name)
		}
		resource, err := factory(spec)
		if err != nil {
			set.close()
			return nil, NewError(ErrValidation, "failed to create resource %q: %v", spec.Name, err)
		}
		set.resources[spec.Name] = resource
	}
	return set, nil
}

// inherited returns a view over the same resources that does not own their
// lifecycle.
func (s *resourceSet) inherited() *resourceSet {
	return &resourceSet{resources: s.resources, owned: false}
}

func (s *resourceSet) get(name string) (Resource, bool) {
	resource, ok := s.resources[name]
	return resource, ok
}

func (s *resourceSet) close() {
	if !s.owned {
		return
	}
	for _, resource := range s.resources {
		_ = resource.Close()
	}
}

// HTTPClient bundles a shared client with its configured base URL and
// default headers. Tools receive it via Invocation.Resource.
type HTTPClient struct {
	Client  *http.Client
	BaseURL string
	Headers map[string]string
}

type httpResource struct {
	name   string
	client *HTTPClient
}

func (r *httpResource) Name() string { return r.name }
func (r *httpResource) Value() any   { return r.client }
func (r *httpResource) Close() error {
	r.client.Client.CloseIdleConnections()
	return nil
}

// newHTTPResourceFactory is the built-in factory for "http" resources.
func newHTTPResourceFactory() ResourceFactory {
	return func(spec *ResourceSpec) (Resource, error) {
		timeout := 30 * time.Second
		if seconds, ok := spec.Config["timeout_seconds"].(int); ok {
			timeout = time.Duration(seconds) * time.Second
		}
		baseURL, _ := spec.Config["base_url"].(string)
		headers := map[string]string{}
		if raw, ok := spec.Config["headers"].(map[string]any); ok {
			for k, v := range raw {
				if s, ok := v.(string); ok {
					headers[k] = s
				}
			}
		}
		return &httpResource{
			name: spec.Name,
			client: &HTTPClient{
				Client:  &http.Client{Timeout: timeout},
				BaseURL: baseURL,
				Headers: headers,
			},
		}, nil
	}
}
