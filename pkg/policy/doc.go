// Package policy provides Open Policy Agent (OPA) admission checks for
// isolation group definitions.
//
// The Engine compiles Rego modules and evaluates the deny rule of each
// enabled policy against every group definition before the registry touches
// hardware. It satisfies engine.Admission:
//
//	eng, err := policy.NewEngine(logger)
//	if err != nil {
//	    return err
//	}
//	reg := engine.NewRegistry(hw, ports, engine.WithAdmission(eng))
//
// # Input
//
// Policies see the definition being applied and, on update, the one
// currently applied:
//
//	{
//	  "operation": "update",
//	  "group":    {"name": "grp1", "type": "port", "description": "",
//	               "members": ["Ethernet0"], "bind_ports": ["Ethernet4"]},
//	  "existing": {"name": "grp1", "type": "port", ...},
//	  "timestamp": "..."
//	}
//
// # Violations
//
// Each element of a deny set is either a message string or an object with
// "message" and optional "severity" and "port" keys. Violations of severity
// error or critical reject the definition with StatusInvalidParam. Warnings
// and info are logged only.
//
// # Built-in Policies
//
//   - group-naming: names are 1-64 characters of [A-Za-z0-9_.-] (error)
//   - member-bind-overlap: a port is both member and bind port (warning)
//   - port-alias: an alias is neither EthernetN nor PortChannelN (warning)
//   - member-limit: more than 256 members (warning)
//
// # Custom Policies
//
// Policy files are loaded from .rego files, named after the file, or from
// .json files carrying a Policy document:
//
//	# Bridge port groups must not bind port channels.
//	package site.isogrp.bridge
//
//	import rego.v1
//
//	deny contains violation if {
//	    input.group.type == "bridge_port"
//	    some port in input.group.bind_ports
//	    startswith(port, "PortChannel")
//	    violation := {"message": sprintf("%s is a port channel", [port]), "severity": "error"}
//	}
//
// Loader.Watch reloads them when files change.
package policy
