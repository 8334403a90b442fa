// Copyright (C) 2023  Ambassador Labs
//
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v2"

	"github.com/datawire/wheelwright/pkg/cliutil"
	"github.com/datawire/wheelwright/pkg/dist"
)

// inspectedArtifact is the YAML shape `wheelwright inspect` emits.
type inspectedArtifact struct {
	File         string              `yaml:"file"`
	Kind         string              `yaml:"kind"`
	Distribution string              `yaml:"distribution"`
	Version      string              `yaml:"version"`
	BuildTag     string              `yaml:"build_tag,omitempty"`
	Tags         []string            `yaml:"tags,omitempty"`
	Metadata     map[string][]string `yaml:"metadata"`
	Description  string              `yaml:"description,omitempty"`
	Files        int                 `yaml:"files,omitempty"`
	RecordOK     *bool               `yaml:"record_ok,omitempty"`
}

func init() {
	cmd := &cobra.Command{
		Use:   "inspect DIST >ARTIFACT.yml",
		Short: "Dump an artifact's parsed metadata as YAML",
		Args:  cliutil.WrapPositionalArgs(cobra.ExactArgs(1)),

		RunE: func(cmd *cobra.Command, args []string) error {
			filename := args[0]
			var doc *inspectedArtifact
			var err error
			switch base := filepath.Base(filename); {
			case strings.HasSuffix(base, ".whl"):
				doc, err = inspectWheel(filename)
			case strings.HasSuffix(base, ".tar.gz"):
				doc, err = inspectSdist(filename)
			default:
				return fmt.Errorf("unsupported distribution format: %q", base)
			}
			if err != nil {
				return err
			}

			bs, err := yaml.Marshal(doc)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(bs)
			return err
		},
	}

	argparser.AddCommand(cmd)
}

func inspectWheel(filename string) (*inspectedArtifact, error) {
	wh, err := dist.OpenWheel(filename)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = wh.Close()
	}()

	doc := &inspectedArtifact{
		File:         wh.Name,
		Kind:         "wheel",
		Distribution: wh.Info.Distribution,
		Version:      wh.Info.Version.String(),
	}
	if wh.Info.BuildTag != nil {
		doc.BuildTag = wh.Info.BuildTag.String()
	}
	for _, tag := range wh.Info.Tag.Decompress() {
		doc.Tags = append(doc.Tags, tag.String())
	}

	md, err := wh.Metadata()
	if err != nil {
		return nil, err
	}
	doc.Metadata = plainFields(md.Fields)
	doc.Description = md.Description

	recordOK := wh.VerifyRecord() == nil
	doc.RecordOK = &recordOK
	return doc, nil
}

func inspectSdist(filename string) (*inspectedArtifact, error) {
	sd, err := dist.OpenSdist(filename)
	if err != nil {
		return nil, err
	}

	doc := &inspectedArtifact{
		File:         sd.Name,
		Kind:         "sdist",
		Distribution: sd.Info.Distribution,
		Version:      sd.Info.Version.String(),
		Files:        len(sd.Files),
	}
	md, err := sd.Metadata()
	if err != nil {
		return nil, err
	}
	doc.Metadata = plainFields(md.Fields)
	doc.Description = md.Description
	return doc, nil
}

// yaml.v2 sorts map keys on its own; copying just drops the textproto type so it
// marshals as a plain mapping.
func plainFields(fields map[string][]string) map[string][]string {
	ret := make(map[string][]string, len(fields))
	for key, vals := range fields {
		ret[key] = vals
	}
	return ret
}
