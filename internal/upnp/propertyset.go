package upnp

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"strings"
)

type propertySet struct {
	XMLName    xml.Name   `xml:"propertyset"`
	Properties []property `xml:"property"`
}

type property struct {
	Vars []variable `xml:",any"`
}

type variable struct {
	XMLName xml.Name
	Value   string `xml:",chardata"`
}

// ParsePropertySet decodes a GENA event body into state variable values.
// Later properties overwrite earlier ones with the same name.
func ParsePropertySet(body []byte) (map[string]string, error) {
	var ps propertySet
	if err := xml.NewDecoder(bytes.NewReader(body)).Decode(&ps); err != nil {
		return nil, fmt.Errorf("upnp: decode propertyset: %w", err)
	}
	values := make(map[string]string)
	for _, p := range ps.Properties {
		for _, v := range p.Vars {
			values[v.XMLName.Local] = strings.TrimSpace(v.Value)
		}
	}
	return values, nil
}
