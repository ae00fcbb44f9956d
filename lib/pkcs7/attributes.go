//
// Copyright © Cachet Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//

package pkcs7

import (
	"bytes"
	"encoding/asn1"
	"errors"
	"fmt"
	"reflect"
	"sort"
)

type ErrNoAttribute struct {
	ID asn1.ObjectIdentifier
}

func (e ErrNoAttribute) Error() string {
	return fmt.Sprintf("attribute not found: %s", e.ID)
}

// Exists reports whether at least one attribute with the given OID is
// present.
func (l AttributeList) Exists(oid asn1.ObjectIdentifier) bool {
	for _, raw := range l {
		if raw.Type.Equal(oid) {
			return true
		}
	}
	return false
}

// GetOne unmarshals the value of the named attribute into dest. It is an
// error for the attribute to have more than one value.
func (l AttributeList) GetOne(oid asn1.ObjectIdentifier, dest interface{}) error {
	values, err := l.getAll(oid)
	if err != nil {
		return err
	} else if len(values) == 0 {
		return ErrNoAttribute{ID: oid}
	} else if len(values) > 1 {
		return fmt.Errorf("attribute appears multiple times: %s", oid)
	}
	_, err = asn1.Unmarshal(values[0].FullBytes, dest)
	return err
}

// GetAll unmarshals every value of the named attribute into the slice that
// dest points to.
func (l AttributeList) GetAll(oid asn1.ObjectIdentifier, dest interface{}) error {
	destValue := reflect.ValueOf(dest)
	if destValue.Kind() != reflect.Ptr || destValue.Elem().Kind() != reflect.Slice {
		return errors.New("dest must be a pointer to a slice")
	}
	values, err := l.getAll(oid)
	if err != nil {
		return err
	}
	slice := destValue.Elem()
	elemType := slice.Type().Elem()
	out := reflect.MakeSlice(slice.Type(), 0, len(values))
	for _, value := range values {
		elem := reflect.New(elemType)
		if _, err := asn1.Unmarshal(value.FullBytes, elem.Interface()); err != nil {
			return err
		}
		out = reflect.Append(out, elem.Elem())
	}
	slice.Set(out)
	return nil
}

func (l AttributeList) getAll(oid asn1.ObjectIdentifier) ([]asn1.RawValue, error) {
	var values []asn1.RawValue
	for _, raw := range l {
		if !raw.Type.Equal(oid) {
			continue
		}
		data := raw.Values.Bytes
		for len(data) > 0 {
			var value asn1.RawValue
			rest, err := asn1.Unmarshal(data, &value)
			if err != nil {
				return nil, err
			}
			values = append(values, value)
			data = rest
		}
	}
	return values, nil
}

// Add appends an attribute holding a single value.
func (l *AttributeList) Add(oid asn1.ObjectIdentifier, obj interface{}) error {
	value, err := asn1.Marshal(obj)
	if err != nil {
		return err
	}
	*l = append(*l, Attribute{
		Type: oid,
		Values: asn1.RawValue{
			Class:      asn1.ClassUniversal,
			Tag:        asn1.TagSet,
			IsCompound: true,
			Bytes:      value,
		},
	})
	return nil
}

// Bytes encodes the list in the explicitly tagged SET OF form whose digest
// the signature covers. DER requires the members of a SET to be ordered by
// their encoding, which encoding/asn1 does not do, so the attributes are
// sorted here.
func (l AttributeList) Bytes() ([]byte, error) {
	ders, err := l.attributeDERs()
	if err != nil {
		return nil, err
	}
	var body []byte
	for _, der := range ders {
		body = append(body, der...)
	}
	return asn1.Marshal(asn1.RawValue{
		Class:      asn1.ClassUniversal,
		Tag:        asn1.TagSet,
		IsCompound: true,
		Bytes:      body,
	})
}

func (l AttributeList) attributeDERs() ([][]byte, error) {
	ders := make([][]byte, 0, len(l))
	for _, attr := range l {
		der, err := asn1.Marshal(attr)
		if err != nil {
			return nil, err
		}
		ders = append(ders, der)
	}
	sort.Slice(ders, func(i, j int) bool { return bytes.Compare(ders[i], ders[j]) < 0 })
	return ders, nil
}

// sorted returns a copy of the list in DER SET order. Embedding attributes
// in the same order they are digested keeps strict verifiers happy even when
// they don't re-sort before hashing.
func (l AttributeList) sorted() (AttributeList, error) {
	indexed := make([]int, len(l))
	ders := make([][]byte, len(l))
	for i, attr := range l {
		der, err := asn1.Marshal(attr)
		if err != nil {
			return nil, err
		}
		indexed[i] = i
		ders[i] = der
	}
	sort.Slice(indexed, func(i, j int) bool {
		return bytes.Compare(ders[indexed[i]], ders[indexed[j]]) < 0
	})
	out := make(AttributeList, len(l))
	for i, j := range indexed {
		out[i] = l[j]
	}
	return out, nil
}
