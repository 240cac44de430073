package models

import (
	"sync"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/quadmap/geometry"
	"github.com/google/uuid"
)

const (
	ErrTypeObjectNotFound      = "object_not_found"
	ErrTypeObjectAlreadyExists = "object_already_exists"
)

const (
	// Objects created through the API.
	SourceLocal = "local"

	// Objects received from the map data source.
	SourceDownload = "download"
)

// Object is an editable map object. Its content is opaque, only its bounding
// box matters to the map.
type Object struct {
	ID      uuid.UUID
	Source  string
	Version int64
	Tags    map[string]string

	// Whether the object was edited since it was downloaded.
	Modified bool

	mutex sync.RWMutex
	bbox  geometry.Rect
}

// NewObject creates an object and counts it in the object metrics.
func NewObject(id uuid.UUID, source string, bbox geometry.Rect, tags map[string]string) *Object {
	instrumentCountObject(source)

	return &Object{
		ID:     id,
		Source: source,
		Tags:   tags,
		bbox:   bbox,
	}
}

func (o *Object) BoundingBox() geometry.Rect {
	o.mutex.RLock()
	defer o.mutex.RUnlock()

	return o.bbox
}

func (o *Object) Move(bbox geometry.Rect) {
	o.mutex.Lock()
	defer o.mutex.Unlock()

	o.bbox = bbox
}

// Points returns the corners and the center of the object bounding box.
func (o *Object) Points() []geometry.Point {
	b := o.BoundingBox()
	return []geometry.Point{
		b.Center(),
		{b.X, b.Y},
		{b.MaxX(), b.Y},
		{b.X, b.MaxY()},
		{b.MaxX(), b.MaxY()},
	}
}

func (o *Object) String() string {
	return o.ID.String()
}

// ToJSON returns the JSON representation of the object.
func (o *Object) ToJSON() ObjectJSON {
	b := o.BoundingBox()
	return ObjectJSON{
		ID:       o.ID.String(),
		Source:   o.Source,
		Version:  o.Version,
		Modified: o.Modified,
		BBox:     [4]float64{b.X, b.Y, b.MaxX(), b.MaxY()},
		Tags:     o.Tags,
	}
}

func ObjectsToJSON(objects []*Object) []ObjectJSON {
	jObjects := make([]ObjectJSON, len(objects))
	for i, o := range objects {
		jObjects[i] = o.ToJSON()
	}
	return jObjects
}

// ObjectJSON is the JSON representation of an object. The bounding box is
// [min lon, min lat, max lon, max lat].
type ObjectJSON struct {
	ID       string            `json:"id,omitempty"`
	Source   string            `json:"source,omitempty"`
	Version  int64             `json:"version,omitempty"`
	Modified bool              `json:"modified,omitempty"`
	BBox     [4]float64        `json:"bbox"`
	Tags     map[string]string `json:"tags,omitempty"`
}

// Evictable reports whether the object can be forgotten when its region is
// discarded. Created and edited objects are kept.
func (o *Object) Evictable() bool {
	return o.Source == SourceDownload && !o.Modified
}

// Rect returns the bounding box as a rectangle.
func (o ObjectJSON) Rect() geometry.Rect {
	return geometry.NewRect(o.BBox[0], o.BBox[1], o.BBox[2]-o.BBox[0], o.BBox[3]-o.BBox[1])
}

// ObjectStore holds the objects of a map by id.
type ObjectStore struct {
	mutex   sync.RWMutex
	objects map[uuid.UUID]*Object
}

func NewObjectStore() *ObjectStore {
	return &ObjectStore{
		objects: make(map[uuid.UUID]*Object),
	}
}

func (s *ObjectStore) Add(o *Object) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if _, ok := s.objects[o.ID]; ok {
		return errors.New("object is already added").
			WithType(ErrTypeObjectAlreadyExists).
			WithTag("id", o.ID.String())
	}
	s.objects[o.ID] = o
	return nil
}

func (s *ObjectStore) Get(id uuid.UUID) (*Object, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	o, ok := s.objects[id]
	if !ok {
		return nil, errors.New("object not found").
			WithType(ErrTypeObjectNotFound).
			WithTag("id", id.String())
	}
	return o, nil
}

// Has reports whether an object with the given id is stored.
func (s *ObjectStore) Has(id uuid.UUID) bool {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	_, ok := s.objects[id]
	return ok
}

func (s *ObjectStore) Delete(id uuid.UUID) bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	_, ok := s.objects[id]
	delete(s.objects, id)
	return ok
}

func (s *ObjectStore) Len() int {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	return len(s.objects)
}

// All returns every stored object.
func (s *ObjectStore) All() []*Object {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	objects := make([]*Object, 0, len(s.objects))
	for _, o := range s.objects {
		objects = append(objects, o)
	}
	return objects
}
