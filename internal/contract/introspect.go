package contract

import (
	"github.com/godbus/dbus/v5/introspect"
	"github.com/godbus/dbus/v5/prop"
)

// Node builds the introspection document for the User Service object. Only
// interfaces whose feature is enabled appear, so an undetected feature is
// absent from introspection rather than present and failing.
func Node(enabled func(feature string) bool) *introspect.Node {
	node := &introspect.Node{
		Name: string(ObjectPath),
		Interfaces: []introspect.Interface{
			introspect.IntrospectData,
			prop.IntrospectData,
		},
	}
	for _, iface := range catalog {
		if !enabled(iface.Feature) {
			continue
		}
		node.Interfaces = append(node.Interfaces, introspectInterface(iface))
	}
	return node
}

func introspectInterface(iface Interface) introspect.Interface {
	out := introspect.Interface{Name: iface.Name}
	for _, m := range iface.Members {
		switch m.Kind {
		case Method:
			im := introspect.Method{Name: m.Name}
			for _, a := range m.In {
				im.Args = append(im.Args, introspect.Arg{Name: a.Name, Type: a.Type, Direction: "in"})
			}
			for _, a := range m.Out {
				im.Args = append(im.Args, introspect.Arg{Name: a.Name, Type: a.Type, Direction: "out"})
			}
			out.Methods = append(out.Methods, im)
		case Property:
			access := "read"
			if m.Access == ReadWrite {
				access = "readwrite"
			}
			out.Properties = append(out.Properties, introspect.Property{Name: m.Name, Type: m.Type, Access: access})
		case Signal:
			is := introspect.Signal{Name: m.Name}
			for _, a := range m.In {
				is.Args = append(is.Args, introspect.Arg{Name: a.Name, Type: a.Type})
			}
			out.Signals = append(out.Signals, is)
		}
	}
	return out
}

// RootNode builds the introspection document of the Root Service object
func RootNode() *introspect.Node {
	in := func(name, typ string) introspect.Arg { return introspect.Arg{Name: name, Type: typ, Direction: "in"} }
	out := func(name, typ string) introspect.Arg { return introspect.Arg{Name: name, Type: typ, Direction: "out"} }

	return &introspect.Node{
		Name: string(RootObjectPath),
		Interfaces: []introspect.Interface{
			introspect.IntrospectData,
			{
				Name: RootInterface,
				Methods: []introspect.Method{
					{Name: "Execute", Args: []introspect.Arg{in("action", "s"), in("args", "a{sv}"), out("result", "a{sv}")}},
					{Name: "Start", Args: []introspect.Arg{in("action", "s"), in("args", "a{sv}"), in("request_key", "s"), out("id", "s")}},
					{Name: "GetOperation", Args: []introspect.Arg{in("id", "s"), out("details", "a{sv}")}},
					{Name: "CancelOperation", Args: []introspect.Arg{in("id", "s")}},
					{Name: "ListOperations", Args: []introspect.Arg{out("ids", "as")}},
				},
				Signals: []introspect.Signal{
					{Name: "OperationChanged", Args: []introspect.Arg{{Name: "id", Type: "s"}, {Name: "state", Type: "u"}, {Name: "progress", Type: "u"}}},
				},
			},
		},
	}
}
