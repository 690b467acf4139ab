package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/vedsharma/apicli/internal/model"
)

// Workspace is the portable file form of everything the tool stores except
// job history. It is read from and written to YAML or JSON.
type Workspace struct {
	Collections   []WorkspaceCollection   `json:"collections,omitempty" yaml:"collections,omitempty"`
	ParameterSets []WorkspaceParameterSet `json:"parameterSets,omitempty" yaml:"parameterSets,omitempty"`
	Proxies       []WorkspaceProxy        `json:"proxies,omitempty" yaml:"proxies,omitempty"`
	ProxyPools    []WorkspaceProxyPool    `json:"proxyPools,omitempty" yaml:"proxyPools,omitempty"`
}

// WorkspaceCollection is a collection with its variables and requests
type WorkspaceCollection struct {
	Name      string            `json:"name" yaml:"name"`
	Variables map[string]string `json:"variables,omitempty" yaml:"variables,omitempty"`
	Requests  []model.Request   `json:"requests,omitempty" yaml:"requests,omitempty"`
}

// WorkspaceParameterSet lists candidate values per variable. Keys fixes the
// combination order; when omitted the keys are taken in sorted order.
type WorkspaceParameterSet struct {
	Name   string              `json:"name" yaml:"name"`
	Keys   []string            `json:"keys,omitempty" yaml:"keys,omitempty"`
	Values map[string][]string `json:"values" yaml:"values"`
}

// WorkspaceProxy is a proxy entry. Active defaults to true.
type WorkspaceProxy struct {
	ID       string `json:"id,omitempty" yaml:"id,omitempty"`
	Host     string `json:"host" yaml:"host"`
	Port     int    `json:"port" yaml:"port"`
	Protocol string `json:"protocol,omitempty" yaml:"protocol,omitempty"`
	Username string `json:"username,omitempty" yaml:"username,omitempty"`
	Password string `json:"password,omitempty" yaml:"password,omitempty"`
	Active   *bool  `json:"active,omitempty" yaml:"active,omitempty"`
}

// WorkspaceProxyPool names its members by proxy id or host:port
type WorkspaceProxyPool struct {
	Name    string   `json:"name" yaml:"name"`
	Mode    string   `json:"mode,omitempty" yaml:"mode,omitempty"`
	Proxies []string `json:"proxies" yaml:"proxies"`
}

// ImportSummary counts what an import created or updated
type ImportSummary struct {
	Collections   int
	Requests      int
	ParameterSets int
	Proxies       int
	ProxyPools    int
}

// LoadWorkspace reads a workspace file. Files ending in .json are parsed as
// JSON, anything else as YAML.
func LoadWorkspace(path string) (*Workspace, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return DecodeWorkspace(f, isJSONPath(path))
}

// DecodeWorkspace parses a workspace from r. Unknown fields are rejected.
func DecodeWorkspace(r io.Reader, asJSON bool) (*Workspace, error) {
	var ws Workspace
	if asJSON {
		dec := json.NewDecoder(r)
		dec.DisallowUnknownFields()
		if err := dec.Decode(&ws); err != nil {
			return nil, fmt.Errorf("parse workspace: %w", err)
		}
		return &ws, nil
	}

	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&ws); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse workspace: %w", err)
	}
	return &ws, nil
}

// WriteWorkspace encodes ws to w as YAML, or indented JSON when asJSON is set
func WriteWorkspace(w io.Writer, ws *Workspace, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(ws)
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(ws); err != nil {
		return err
	}
	return enc.Close()
}

func isJSONPath(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".json")
}

// ImportWorkspace merges ws into the database. Collections, parameter sets
// and pools are matched by name, proxies by id or address, and requests
// without an id get one derived from their collection and name, so
// importing the same file twice updates instead of duplicating.
func (s *SQLiteStorage) ImportWorkspace(ctx context.Context, ws *Workspace) (ImportSummary, error) {
	var sum ImportSummary

	for _, wc := range ws.Collections {
		col, err := s.CreateCollection(ctx, wc.Name)
		if err != nil {
			return sum, fmt.Errorf("collection %q: %w", wc.Name, err)
		}
		for k, v := range wc.Variables {
			if err := s.SetVariable(ctx, col.ID, k, v); err != nil {
				return sum, err
			}
		}
		for _, req := range wc.Requests {
			req.CollectionID = col.ID
			if req.ID == "" {
				if req.Name != "" {
					req.ID = stableID(col.ID, req.Name)
				} else {
					req.ID = stableID(col.ID, req.Method, req.URL)
				}
			}
			if err := s.SaveRequest(ctx, &req); err != nil {
				return sum, fmt.Errorf("collection %q request %q: %w", wc.Name, req.Name, err)
			}
			sum.Requests++
		}
		sum.Collections++
	}

	for _, wp := range ws.ParameterSets {
		set := &model.ParameterSet{Name: wp.Name, Keys: wp.Keys, Values: wp.Values}
		if len(set.Keys) == 0 {
			for k := range wp.Values {
				set.Keys = append(set.Keys, k)
			}
			sort.Strings(set.Keys)
		}
		for _, k := range set.Keys {
			if _, ok := wp.Values[k]; !ok {
				return sum, fmt.Errorf("parameter set %q: key %q has no values", wp.Name, k)
			}
		}
		if id, err := s.Resolve(ctx, KindParameterSet, wp.Name); err == nil {
			set.ID = id
		}
		if err := s.SaveParameterSet(ctx, set); err != nil {
			return sum, fmt.Errorf("parameter set %q: %w", wp.Name, err)
		}
		sum.ParameterSets++
	}

	byRef := map[string]model.Proxy{}
	if existing, err := s.ListProxies(ctx); err == nil {
		for _, p := range existing {
			byRef[p.ID] = p
			byRef[p.Address()] = p
		}
	}
	for _, wp := range ws.Proxies {
		p := &model.Proxy{
			ID:       wp.ID,
			Host:     wp.Host,
			Port:     wp.Port,
			Protocol: model.ProxyProtocol(strings.ToLower(wp.Protocol)),
			Username: wp.Username,
			Password: wp.Password,
			IsActive: wp.Active == nil || *wp.Active,
		}
		if p.ID == "" {
			if prev, ok := byRef[p.Address()]; ok {
				p.ID = prev.ID
			} else {
				p.ID = stableID(string(p.Protocol), p.Address())
			}
		}
		if err := s.SaveProxy(ctx, p); err != nil {
			return sum, fmt.Errorf("proxy %s: %w", p.Address(), err)
		}
		byRef[p.ID] = *p
		byRef[p.Address()] = *p
		sum.Proxies++
	}

	for _, wp := range ws.ProxyPools {
		pool := &model.ProxyPool{Name: wp.Name, Mode: model.SelectionMode(strings.ToLower(wp.Mode))}
		switch pool.Mode {
		case "", model.SelectSequential, model.SelectRandom, model.SelectCustom:
		default:
			return sum, fmt.Errorf("proxy pool %q: unknown mode %q", wp.Name, wp.Mode)
		}
		for _, ref := range wp.Proxies {
			p, ok := byRef[ref]
			if !ok {
				return sum, fmt.Errorf("proxy pool %q: proxy %q: %w", wp.Name, ref, model.ErrNotFound)
			}
			pool.Proxies = append(pool.Proxies, p)
		}
		if id, err := s.Resolve(ctx, KindProxyPool, wp.Name); err == nil {
			pool.ID = id
			// keep the rotation cursor across re-imports
			if prev, err := s.GetProxyPool(ctx, id); err == nil {
				pool.LastProxyIndex = prev.LastProxyIndex
			}
		}
		if err := s.SaveProxyPool(ctx, pool); err != nil {
			return sum, fmt.Errorf("proxy pool %q: %w", wp.Name, err)
		}
		sum.ProxyPools++
	}

	return sum, nil
}

// ExportWorkspace reads the stored collections, parameter sets, proxies and
// pools back into workspace form
func (s *SQLiteStorage) ExportWorkspace(ctx context.Context) (*Workspace, error) {
	ws := &Workspace{}

	cols, err := s.ListCollections(ctx)
	if err != nil {
		return nil, err
	}
	for _, c := range cols {
		wc := WorkspaceCollection{Name: c.Name, Requests: c.Requests}
		if len(c.Variables) > 0 {
			wc.Variables = c.Variables
		}
		ws.Collections = append(ws.Collections, wc)
	}

	sets, err := s.ListParameterSets(ctx)
	if err != nil {
		return nil, err
	}
	for _, p := range sets {
		ws.ParameterSets = append(ws.ParameterSets, WorkspaceParameterSet{Name: p.Name, Keys: p.Keys, Values: p.Values})
	}

	proxies, err := s.ListProxies(ctx)
	if err != nil {
		return nil, err
	}
	for _, p := range proxies {
		active := p.IsActive
		ws.Proxies = append(ws.Proxies, WorkspaceProxy{
			ID:       p.ID,
			Host:     p.Host,
			Port:     p.Port,
			Protocol: string(p.Protocol),
			Username: p.Username,
			Password: p.Password,
			Active:   &active,
		})
	}

	pools, err := s.ListProxyPools(ctx)
	if err != nil {
		return nil, err
	}
	for _, p := range pools {
		wp := WorkspaceProxyPool{Name: p.Name, Mode: string(p.Mode), Proxies: []string{}}
		for _, px := range p.Proxies {
			wp.Proxies = append(wp.Proxies, px.ID)
		}
		ws.ProxyPools = append(ws.ProxyPools, wp)
	}

	return ws, nil
}

var workspaceNamespace = uuid.MustParse("6f1c1a52-6d0e-4b8a-9a55-2d1f4b3e7c10")

func stableID(parts ...string) string {
	return uuid.NewSHA1(workspaceNamespace, []byte(strings.Join(parts, "\x00"))).String()
}
