// Package xmlrpc implements just enough of the XML-RPC wire format to speak
// to PyPI's changelog service: a request encoder and a response decoder for
// the handful of value shapes list_packages_with_serial and
// changelog_since_serial actually return.
//
// No third-party XML-RPC client exists anywhere in the codebases this
// package was grown alongside; see the repository's design notes for why
// that leaves net/http and encoding/xml as the only reasonable choice.
package xmlrpc

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"strconv"
	"strings"
)

// value is the XML-RPC <value> element. Exactly one of its fields is
// meaningful, chosen by which element was present in the document.
type value struct {
	String  *string  `xml:"string"`
	Int     *int64   `xml:"int"`
	I4      *int64   `xml:"i4"`
	Boolean *int     `xml:"boolean"`
	Double  *float64 `xml:"double"`
	Array   *struct {
		Data struct {
			Values []value `xml:"value"`
		} `xml:"data"`
	} `xml:"array"`
	Struct *struct {
		Members []member `xml:"member"`
	} `xml:"struct"`
	// Plain holds character data when none of the typed elements are
	// present; XML-RPC treats a bare <value>text</value> as a string.
	Plain string `xml:",chardata"`
}

type member struct {
	Name  string `xml:"name"`
	Value value  `xml:"value"`
}

// asString returns the value as a string, regardless of its wire type.
func (v value) asString() string {
	switch {
	case v.String != nil:
		return *v.String
	case v.Int != nil:
		return strconv.FormatInt(*v.Int, 10)
	case v.I4 != nil:
		return strconv.FormatInt(*v.I4, 10)
	default:
		return strings.TrimSpace(v.Plain)
	}
}

// asInt returns the value as an integer, regardless of whether the document
// used <int> or <i4>.
func (v value) asInt() (int64, error) {
	switch {
	case v.Int != nil:
		return *v.Int, nil
	case v.I4 != nil:
		return *v.I4, nil
	default:
		return strconv.ParseInt(strings.TrimSpace(v.Plain), 10, 64)
	}
}

// asArray returns the values of an <array>, or nil if v isn't one.
func (v value) asArray() []value {
	if v.Array == nil {
		return nil
	}
	return v.Array.Data.Values
}

// asStruct returns the members of a <struct> as a map, or nil if v isn't one.
func (v value) asStruct() map[string]value {
	if v.Struct == nil {
		return nil
	}
	m := make(map[string]value, len(v.Struct.Members))
	for _, mm := range v.Struct.Members {
		m[mm.Name] = mm.Value
	}
	return m
}

type methodResponse struct {
	XMLName xml.Name `xml:"methodResponse"`
	Params  *struct {
		Param []struct {
			Value value `xml:"value"`
		} `xml:"param"`
	} `xml:"params"`
	Fault *struct {
		Value value `xml:"value"`
	} `xml:"fault"`
}

// decodeResponse parses an XML-RPC methodResponse document, returning the
// single top-level value it carries. It returns an error for a <fault>
// response or a malformed document; callers at the package boundary (the
// Client methods below) convert that into the "absent" sentinel rather than
// propagating it, per the never-raises contract this package exists to
// implement.
func decodeResponse(body []byte) (value, error) {
	var resp methodResponse
	if err := xml.Unmarshal(body, &resp); err != nil {
		return value{}, fmt.Errorf("xmlrpc: decoding response: %w", err)
	}
	if resp.Fault != nil {
		m := resp.Fault.Value.asStruct()
		return value{}, fmt.Errorf("xmlrpc: fault: %s (%s)", m["faultString"].asString(), m["faultCode"].asString())
	}
	if resp.Params == nil || len(resp.Params.Param) == 0 {
		return value{}, fmt.Errorf("xmlrpc: response has no params")
	}
	return resp.Params.Param[0].Value, nil
}

// encodeRequest builds an XML-RPC methodCall document for the given method
// and string/int arguments.
func encodeRequest(method string, args ...any) ([]byte, error) {
	var b bytes.Buffer
	b.WriteString(xml.Header)
	b.WriteString("<methodCall><methodName>")
	if err := xml.EscapeText(&b, []byte(method)); err != nil {
		return nil, err
	}
	b.WriteString("</methodName><params>")
	for _, a := range args {
		b.WriteString("<param><value>")
		switch v := a.(type) {
		case string:
			b.WriteString("<string>")
			if err := xml.EscapeText(&b, []byte(v)); err != nil {
				return nil, err
			}
			b.WriteString("</string>")
		case int, int64:
			fmt.Fprintf(&b, "<int>%v</int>", v)
		default:
			return nil, fmt.Errorf("xmlrpc: unsupported argument type %T", a)
		}
		b.WriteString("</value></param>")
	}
	b.WriteString("</params></methodCall>")
	return b.Bytes(), nil
}
