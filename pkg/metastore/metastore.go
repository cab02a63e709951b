// Package metastore implements the Domain and Project metadata collections:
// write-through wrappers around a pkg/storage.File plus the in-memory maps the
// rest of portreeve reads from. Each collection enforces a single writer at a
// time (readers see the last durably flushed state); domains additionally keep
// a secondary hostname -> record index.
package metastore

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cuemby/portreeve/pkg/apperr"
	"github.com/cuemby/portreeve/pkg/codec"
	"github.com/cuemby/portreeve/pkg/log"
	"github.com/cuemby/portreeve/pkg/storage"
	"github.com/cuemby/portreeve/pkg/types"
)

// ErrNotFound is returned when a mutation targets an id that isn't present.
// Lookups return it as (nil, false) instead, per the collection's find-missing
// contract.
var ErrNotFound = fmt.Errorf("metastore: record not found")

// Domains is the Domain collection.
type Domains struct {
	mu        sync.RWMutex
	file      *storage.File
	byID      map[uuid.UUID]*types.Domain
	byHost    map[string]*types.Domain
	storageID map[uuid.UUID]uuid.UUID
}

// OpenDomains opens (creating if missing) the domains record file and loads
// every live record into memory.
func OpenDomains(path string) (*Domains, error) {
	f, err := storage.Open(path)
	if err != nil {
		return nil, err
	}
	d := &Domains{
		file:      f,
		byID:      make(map[uuid.UUID]*types.Domain),
		byHost:    make(map[string]*types.Domain),
		storageID: make(map[uuid.UUID]uuid.UUID),
	}
	logger := log.WithComponent("metastore.domains")
	for _, e := range f.Entries() {
		val, err := f.Read(e.Key)
		if err != nil {
			logger.Warn().Err(err).Str("storage_id", e.Key.String()).Msg("skipping unreadable domain record")
			continue
		}
		dom, err := valueToDomain(val)
		if err != nil {
			logger.Warn().Err(err).Str("storage_id", e.Key.String()).Msg("skipping malformed domain record")
			continue
		}
		d.byID[dom.ID] = dom
		d.byHost[dom.Hostname] = dom
		d.storageID[dom.ID] = e.Key
	}
	return d, nil
}

// Create persists a new domain, minting an id and timestamps.
func (d *Domains) Create(dom types.Domain) (*types.Domain, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := time.Now().UTC()
	dom.ID = uuid.New()
	dom.CreatedAt = now
	dom.UpdatedAt = now

	sid, err := d.file.Write(domainToValue(dom))
	if err != nil {
		return nil, err
	}
	if err := d.file.Flush(); err != nil {
		return nil, err
	}

	stored := dom
	d.byID[dom.ID] = &stored
	d.byHost[dom.Hostname] = &stored
	d.storageID[dom.ID] = sid
	return &stored, nil
}

// Get returns the domain with id, if present.
func (d *Domains) Get(id uuid.UUID) (*types.Domain, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	dom, ok := d.byID[id]
	return dom, ok
}

// GetByHostname resolves a domain by its hostname.
func (d *Domains) GetByHostname(hostname string) (*types.Domain, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	dom, ok := d.byHost[hostname]
	return dom, ok
}

// List returns every domain in no particular order.
func (d *Domains) List() []*types.Domain {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]*types.Domain, 0, len(d.byID))
	for _, dom := range d.byID {
		out = append(out, dom)
	}
	return out
}

// Update replaces the domain record for dom.ID. Implemented as delete-then-
// insert at the storage layer: a new storage id is minted.
func (d *Domains) Update(dom types.Domain) (*types.Domain, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	existing, ok := d.byID[dom.ID]
	if !ok {
		return nil, ErrNotFound
	}
	if other, ok := d.byHost[dom.Hostname]; ok && other.ID != dom.ID {
		return nil, apperr.New(apperr.KindConflict, "hostname already routed")
	}
	oldSID := d.storageID[dom.ID]

	dom.CreatedAt = existing.CreatedAt
	dom.UpdatedAt = time.Now().UTC()

	sid, err := d.file.Write(domainToValue(dom))
	if err != nil {
		return nil, err
	}
	if err := d.file.Delete(oldSID); err != nil {
		return nil, err
	}
	if err := d.file.Flush(); err != nil {
		return nil, err
	}

	if existing.Hostname != dom.Hostname {
		delete(d.byHost, existing.Hostname)
	}

	stored := dom
	d.byID[dom.ID] = &stored
	d.byHost[dom.Hostname] = &stored
	d.storageID[dom.ID] = sid
	return &stored, nil
}

// Delete removes the domain with id.
func (d *Domains) Delete(id uuid.UUID) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	existing, ok := d.byID[id]
	if !ok {
		return ErrNotFound
	}
	sid := d.storageID[id]
	if err := d.file.Delete(sid); err != nil {
		return err
	}
	if err := d.file.Flush(); err != nil {
		return err
	}
	delete(d.byID, id)
	delete(d.byHost, existing.Hostname)
	delete(d.storageID, id)
	return nil
}

// Compact reclaims dead storage space. Because compaction mints new storage
// ids, the collection reloads entirely from the rebuilt file rather than
// trying to patch its id -> storage-id map in place.
func (d *Domains) Compact() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.file.Compact(); err != nil {
		return err
	}
	d.byID = make(map[uuid.UUID]*types.Domain)
	d.byHost = make(map[string]*types.Domain)
	d.storageID = make(map[uuid.UUID]uuid.UUID)
	for _, e := range d.file.Entries() {
		val, err := d.file.Read(e.Key)
		if err != nil {
			continue
		}
		dom, err := valueToDomain(val)
		if err != nil {
			continue
		}
		d.byID[dom.ID] = dom
		d.byHost[dom.Hostname] = dom
		d.storageID[dom.ID] = e.Key
	}
	return nil
}

func (d *Domains) Close() error {
	return d.file.Close()
}

func domainToValue(dom types.Domain) codec.Value {
	return codec.Obj(map[string]codec.Value{
		"id":         codec.UUIDVal(dom.ID),
		"hostname":   codec.Str(dom.Hostname),
		"project_id": codec.UUIDVal(dom.ProjectID),
		"ssl":        codec.Bool(dom.SSL),
		"created_at": codec.DateVal(dom.CreatedAt),
		"updated_at": codec.DateVal(dom.UpdatedAt),
	})
}

func valueToDomain(v codec.Value) (*types.Domain, error) {
	obj, ok := v.AsObject()
	if !ok {
		return nil, fmt.Errorf("metastore: domain record is not an OBJECT")
	}
	id, _ := obj["id"].AsUUID()
	hostname, _ := obj["hostname"].AsString()
	projectID, _ := obj["project_id"].AsUUID()
	ssl, _ := obj["ssl"].AsBool()
	createdAt, _ := obj["created_at"].AsDate()
	updatedAt, _ := obj["updated_at"].AsDate()
	return &types.Domain{
		ID:        id,
		Hostname:  hostname,
		ProjectID: projectID,
		SSL:       ssl,
		CreatedAt: createdAt,
		UpdatedAt: updatedAt,
	}, nil
}

// Projects is the Project collection.
type Projects struct {
	mu        sync.RWMutex
	file      *storage.File
	byID      map[uuid.UUID]*types.Project
	storageID map[uuid.UUID]uuid.UUID
}

// OpenProjects opens (creating if missing) the projects record file and loads
// every live record into memory. Every loaded project's status is reset to
// stopped with no pid: the supervisor, not the persisted record, is the sole
// authority on liveness.
func OpenProjects(path string) (*Projects, error) {
	f, err := storage.Open(path)
	if err != nil {
		return nil, err
	}
	p := &Projects{
		file:      f,
		byID:      make(map[uuid.UUID]*types.Project),
		storageID: make(map[uuid.UUID]uuid.UUID),
	}
	logger := log.WithComponent("metastore.projects")
	for _, e := range f.Entries() {
		val, err := f.Read(e.Key)
		if err != nil {
			logger.Warn().Err(err).Str("storage_id", e.Key.String()).Msg("skipping unreadable project record")
			continue
		}
		proj, err := valueToProject(val)
		if err != nil {
			logger.Warn().Err(err).Str("storage_id", e.Key.String()).Msg("skipping malformed project record")
			continue
		}
		proj.Status = types.ProjectStopped
		proj.PID = 0
		p.byID[proj.ID] = proj
		p.storageID[proj.ID] = e.Key
	}
	return p, nil
}

// Create persists a new project, minting timestamps and, unless the caller
// already set one, an id.
func (p *Projects) Create(proj types.Project) (*types.Project, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now().UTC()
	if proj.ID == uuid.Nil {
		proj.ID = uuid.New()
	}
	proj.Status = types.ProjectStopped
	proj.PID = 0
	proj.CreatedAt = now
	proj.UpdatedAt = now

	sid, err := p.file.Write(projectToValue(proj))
	if err != nil {
		return nil, err
	}
	if err := p.file.Flush(); err != nil {
		return nil, err
	}

	stored := proj
	p.byID[proj.ID] = &stored
	p.storageID[proj.ID] = sid
	return &stored, nil
}

func (p *Projects) Get(id uuid.UUID) (*types.Project, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	proj, ok := p.byID[id]
	return proj, ok
}

func (p *Projects) List() []*types.Project {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*types.Project, 0, len(p.byID))
	for _, proj := range p.byID {
		out = append(out, proj)
	}
	return out
}

// Update replaces the project record for proj.ID, minting a new storage id.
func (p *Projects) Update(proj types.Project) (*types.Project, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	existing, ok := p.byID[proj.ID]
	if !ok {
		return nil, ErrNotFound
	}
	oldSID := p.storageID[proj.ID]

	proj.CreatedAt = existing.CreatedAt
	proj.UpdatedAt = time.Now().UTC()

	sid, err := p.file.Write(projectToValue(proj))
	if err != nil {
		return nil, err
	}
	if err := p.file.Delete(oldSID); err != nil {
		return nil, err
	}
	if err := p.file.Flush(); err != nil {
		return nil, err
	}

	stored := proj
	p.byID[proj.ID] = &stored
	p.storageID[proj.ID] = sid
	return &stored, nil
}

// Delete removes the project with id.
func (p *Projects) Delete(id uuid.UUID) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.byID[id]; !ok {
		return ErrNotFound
	}
	sid := p.storageID[id]
	if err := p.file.Delete(sid); err != nil {
		return err
	}
	if err := p.file.Flush(); err != nil {
		return err
	}
	delete(p.byID, id)
	delete(p.storageID, id)
	return nil
}

func (p *Projects) Close() error {
	return p.file.Close()
}

func projectToValue(proj types.Project) codec.Value {
	return codec.Obj(map[string]codec.Value{
		"id":          codec.UUIDVal(proj.ID),
		"name":        codec.Str(proj.Name),
		"binary_path": codec.Str(proj.BinaryPath),
		"socket_path": codec.Str(proj.SocketPath),
		"status":      codec.Str(string(proj.Status)),
		"pid":         codec.Int(int64(proj.PID)),
		"created_at":  codec.DateVal(proj.CreatedAt),
		"updated_at":  codec.DateVal(proj.UpdatedAt),
	})
}

func valueToProject(v codec.Value) (*types.Project, error) {
	obj, ok := v.AsObject()
	if !ok {
		return nil, fmt.Errorf("metastore: project record is not an OBJECT")
	}
	id, _ := obj["id"].AsUUID()
	name, _ := obj["name"].AsString()
	binaryPath, _ := obj["binary_path"].AsString()
	socketPath, _ := obj["socket_path"].AsString()
	status, _ := obj["status"].AsString()
	pid, _ := obj["pid"].AsInt()
	createdAt, _ := obj["created_at"].AsDate()
	updatedAt, _ := obj["updated_at"].AsDate()
	return &types.Project{
		ID:         id,
		Name:       name,
		BinaryPath: binaryPath,
		SocketPath: socketPath,
		Status:     types.ProjectStatus(status),
		PID:        int(pid),
		CreatedAt:  createdAt,
		UpdatedAt:  updatedAt,
	}, nil
}
