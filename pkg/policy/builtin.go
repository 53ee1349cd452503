package policy

// GetBuiltinPolicies returns all built-in policies.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		groupNamingPolicy(),
		memberBindOverlapPolicy(),
		portAliasPolicy(),
		memberLimitPolicy(),
	}
}

// groupNamingPolicy keeps group names usable as store keys and metric labels.
func groupNamingPolicy() Policy {
	return Policy{
		Name:        "group-naming",
		Description: "Group names are 1-64 characters of letters, digits, '_', '-' and '.', starting with a letter or digit",
		Severity:    SeverityError,
		Enabled:     true,
		Builtin:     true,
		Tags:        []string{"naming"},
		Rego: `package isogrpd.policies.naming

import rego.v1

deny contains violation if {
	name := input.group.name
	not regex.match("^[A-Za-z0-9][A-Za-z0-9_.-]*$", name)
	violation := {
		"message": sprintf("group name '%s' must start with a letter or digit and contain only letters, digits, '_', '-' and '.'", [name]),
		"severity": "error",
	}
}

deny contains violation if {
	name := input.group.name
	count(name) > 64
	violation := {
		"message": sprintf("group name '%s' is longer than 64 characters", [name]),
		"severity": "error",
	}
}
`,
	}
}

// memberBindOverlapPolicy flags ports that are both isolated and bound.
func memberBindOverlapPolicy() Policy {
	return Policy{
		Name:        "member-bind-overlap",
		Description: "A port should not be both a member and a bind port of the same group",
		Severity:    SeverityWarning,
		Enabled:     true,
		Builtin:     true,
		Tags:        []string{"ports"},
		Rego: `package isogrpd.policies.overlap

import rego.v1

deny contains violation if {
	some port in input.group.members
	port in input.group.bind_ports
	violation := {
		"message": sprintf("port %s is both a member and a bind port", [port]),
		"port": port,
	}
}
`,
	}
}

// portAliasPolicy flags aliases that will never resolve to a switch port.
func portAliasPolicy() Policy {
	return Policy{
		Name:        "port-alias",
		Description: "Members and bind ports are expected to be Ethernet ports or port channels",
		Severity:    SeverityWarning,
		Enabled:     true,
		Builtin:     true,
		Tags:        []string{"ports"},
		Rego: `package isogrpd.policies.alias

import rego.v1

aliases contains port if {
	some port in input.group.members
}

aliases contains port if {
	some port in input.group.bind_ports
}

deny contains violation if {
	some port in aliases
	not regex.match("^(Ethernet|PortChannel)[0-9]+$", port)
	violation := {
		"message": sprintf("port %s is not an Ethernet port or port channel and will be ignored", [port]),
		"port": port,
	}
}
`,
	}
}

// memberLimitPolicy flags unusually large groups.
func memberLimitPolicy() Policy {
	return Policy{
		Name:        "member-limit",
		Description: "Groups with more than 256 members are reported",
		Severity:    SeverityWarning,
		Enabled:     true,
		Builtin:     true,
		Tags:        []string{"limits"},
		Rego: `package isogrpd.policies.limits

import rego.v1

max_members := 256

deny contains violation if {
	count(input.group.members) > max_members
	violation := {
		"message": sprintf("group has %d members, more than %d", [count(input.group.members), max_members]),
	}
}
`,
	}
}
