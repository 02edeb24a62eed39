package adu

import (
	"fmt"

	"github.com/autopeer-io/trustagent/internal/pkg/jsonfield"
)

const componentName = "deviceUpdate"

// ParsePropertyPatch parses {"deviceUpdate":{"__t":"c","service":{...}},"$version":N}.
//
// A malformed service object still yields the patch with its Version set, so
// the rejection can be acknowledged.
func ParsePropertyPatch(buf []byte) (*PropertyPatch, error) {
	var (
		patch   PropertyPatch
		service []byte
	)

	err := jsonfield.Decode(buf, jsonfield.Fields{
		componentName: jsonfield.Object(jsonfield.Fields{
			"service": func(r *jsonfield.Reader) error {
				if r.Null() {
					return nil
				}
				v, err := r.Capture()
				service = v
				return err
			},
		}),
		"$version": jsonfield.Int64(&patch.Version),
	})
	if err != nil {
		return nil, fmt.Errorf("parse property patch: %w", err)
	}
	if service == nil {
		return &patch, nil
	}

	req, err := ParseRequest(service)
	if err != nil {
		return &patch, err
	}
	patch.Service = req
	return &patch, nil
}

// ParseRequest parses a bare service object.
func ParseRequest(buf []byte) (*UpdateRequest, error) {
	r := jsonfield.NewReader(buf)
	req, err := readRequest(r)
	if err == nil {
		err = r.End()
	}
	if err != nil {
		return nil, fmt.Errorf("parse update request: %w", err)
	}
	return req, nil
}

func readRequest(r *jsonfield.Reader) (*UpdateRequest, error) {
	var (
		req         UpdateRequest
		rawManifest []byte
	)

	err := r.Object(jsonfield.Fields{
		"workflow": jsonfield.Object(jsonfield.Fields{
			"action": func(r *jsonfield.Reader) error {
				v, err := r.Int32()
				req.Workflow.Action = Action(v)
				return err
			},
			"id":             jsonfield.String(&req.Workflow.ID),
			"retryTimestamp": jsonfield.String(&req.Workflow.RetryTimestamp),
		}),
		"updateManifest":          jsonfield.Raw(&rawManifest),
		"updateManifestSignature": jsonfield.String(&req.UpdateManifestSignature),
		"fileUrls": jsonfield.Each(func(id string, r *jsonfield.Reader) error {
			if len(req.FileURLs) == MaxFileURLs {
				return fmt.Errorf("%w: more than %d fileUrls", ErrLimitExceeded, MaxFileURLs)
			}
			url, err := r.String()
			if err != nil {
				return err
			}
			req.FileURLs = append(req.FileURLs, FileURL{ID: id, URL: url})
			return nil
		}),
	})
	if err != nil {
		return nil, err
	}

	if len(rawManifest) > 0 {
		manifest, err := jsonfield.Unescape(rawManifest)
		if err != nil {
			return nil, fmt.Errorf("updateManifest: %w", err)
		}
		req.UpdateManifest = manifest
	}
	return &req, nil
}

// ParseManifest parses an unescaped update manifest.
func ParseManifest(buf []byte) (*UpdateManifest, error) {
	var m UpdateManifest

	err := jsonfield.Decode(buf, jsonfield.Fields{
		"manifestVersion": jsonfield.String(&m.ManifestVersion),
		"updateId": jsonfield.Object(jsonfield.Fields{
			"provider": jsonfield.String(&m.UpdateID.Provider),
			"name":     jsonfield.String(&m.UpdateID.Name),
			"version":  jsonfield.String(&m.UpdateID.Version),
		}),
		"compatibility": jsonfield.Array(func(r *jsonfield.Reader) error {
			if len(m.Compatibility) == MaxCompatibility {
				return fmt.Errorf("%w: more than %d compatibility entries", ErrLimitExceeded, MaxCompatibility)
			}
			var c Compatibility
			if err := r.Object(jsonfield.Fields{
				"deviceManufacturer": jsonfield.String(&c.DeviceManufacturer),
				"deviceModel":        jsonfield.String(&c.DeviceModel),
			}); err != nil {
				return err
			}
			m.Compatibility = append(m.Compatibility, c)
			return nil
		}),
		"instructions": jsonfield.Object(jsonfield.Fields{
			"steps": jsonfield.Array(func(r *jsonfield.Reader) error {
				if len(m.Steps) == MaxSteps {
					return fmt.Errorf("%w: more than %d steps", ErrLimitExceeded, MaxSteps)
				}
				s, err := readStep(r)
				if err != nil {
					return err
				}
				m.Steps = append(m.Steps, *s)
				return nil
			}),
		}),
		"files": jsonfield.Each(func(id string, r *jsonfield.Reader) error {
			if len(m.Files) == MaxFiles {
				return fmt.Errorf("%w: more than %d files", ErrLimitExceeded, MaxFiles)
			}
			f, err := readFile(id, r)
			if err != nil {
				return err
			}
			m.Files = append(m.Files, *f)
			return nil
		}),
		"createdDateTime": jsonfield.String(&m.CreateDateTime),
		"createDateTime":  jsonfield.String(&m.CreateDateTime),
	})
	if err != nil {
		return nil, fmt.Errorf("parse update manifest: %w", err)
	}
	return &m, nil
}

func readStep(r *jsonfield.Reader) (*Step, error) {
	var s Step
	err := r.Object(jsonfield.Fields{
		"handler": jsonfield.String(&s.Handler),
		"files": jsonfield.Array(func(r *jsonfield.Reader) error {
			if len(s.Files) == MaxStepFiles {
				return fmt.Errorf("%w: more than %d files in a step", ErrLimitExceeded, MaxStepFiles)
			}
			id, err := r.String()
			if err != nil {
				return err
			}
			s.Files = append(s.Files, id)
			return nil
		}),
		"handlerProperties": jsonfield.Object(jsonfield.Fields{
			"installedCriteria": jsonfield.String(&s.InstalledCriteria),
		}),
	})
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func readFile(id string, r *jsonfield.Reader) (*File, error) {
	f := File{ID: id}
	err := r.Object(jsonfield.Fields{
		"fileName":    jsonfield.String(&f.FileName),
		"sizeInBytes": jsonfield.Int64(&f.SizeInBytes),
		"hashes": jsonfield.Each(func(typ string, r *jsonfield.Reader) error {
			if len(f.Hashes) == MaxHashes {
				return fmt.Errorf("%w: more than %d hashes for file %s", ErrLimitExceeded, MaxHashes, id)
			}
			v, err := r.String()
			if err != nil {
				return err
			}
			f.Hashes = append(f.Hashes, Hash{Type: typ, Value: v})
			return nil
		}),
	})
	if err != nil {
		return nil, err
	}
	return &f, nil
}
