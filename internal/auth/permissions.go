package auth

import (
	"sort"
	"strings"
)

// Verb actions recognized by the permission model.
const (
	VerbRead   = "read"
	VerbCreate = "create"
	VerbModify = "modify"
	VerbDelete = "delete"
)

// AllVerbs lists every verb action, in seed order.
var AllVerbs = []string{VerbRead, VerbCreate, VerbModify, VerbDelete}

// Resource codes. Two segments, "<domain>:<object>".
const (
	ResourceCommsNotification        = "comms:notification"
	ResourceCommsNotificationHistory = "comms:notification_history"

	ResourceConferenceConferences   = "conference:conferences"
	ResourceConferenceEventSchedule = "conference:event_schedule"

	ResourceContentFile       = "content:file"
	ResourceContentInstructor = "content:instructor"
	ResourceContentLocation   = "content:location"
	ResourceContentTestimony  = "content:testimony"

	ResourceSupportFAQ      = "support:faq"
	ResourceSupportFeedback = "support:feedback"

	ResourceWorkshopRegistration = "workshop:registration"
	ResourceWorkshopWorkshops    = "workshop:workshops"

	ResourceSystemFCMDevice  = "system:fcm_device"
	ResourceSystemLog        = "system:log"
	ResourceSystemPermission = "system:permission"
	ResourceSystemResource   = "system:resource"
	ResourceSystemRole       = "system:role"
	ResourceSystemUser       = "system:user"
)

// AllResources lists every resource code, in seed order.
var AllResources = []string{
	ResourceCommsNotification,
	ResourceCommsNotificationHistory,
	ResourceConferenceConferences,
	ResourceConferenceEventSchedule,
	ResourceContentFile,
	ResourceContentInstructor,
	ResourceContentLocation,
	ResourceContentTestimony,
	ResourceSupportFAQ,
	ResourceSupportFeedback,
	ResourceWorkshopRegistration,
	ResourceWorkshopWorkshops,
	ResourceSystemFCMDevice,
	ResourceSystemLog,
	ResourceSystemPermission,
	ResourceSystemResource,
	ResourceSystemRole,
	ResourceSystemUser,
}

// RoleSuperuser is the synthetic role reported for superuser accounts.
// It never exists as a role row.
const RoleSuperuser = "superuser"

// wildcardVerb satisfies any verb on its resource.
const wildcardVerb = "*"

// PermissionCode builds "<resource>:<verb>".
func PermissionCode(resource, verb string) string {
	return resource + ":" + verb
}

// PermissionWildcard builds the folded "<resource>:*" form.
func PermissionWildcard(resource string) string {
	return resource + ":" + wildcardVerb
}

// SplitPermissionCode splits a permission code into resource and verb at
// the last colon. Resources themselves contain a colon, so
// "system:user:read" splits into ("system:user", "read"). Codes without a
// colon come back with an empty verb.
func SplitPermissionCode(code string) (resource, verb string) {
	i := strings.LastIndex(code, ":")
	if i < 0 {
		return code, ""
	}
	return code[:i], code[i+1:]
}

// FoldScope compacts a permission code list for embedding into token
// claims. When a resource carries all four verbs the group collapses into
// a single "<resource>:*" entry. The result is sorted and deduplicated.
func FoldScope(codes []string) []string {
	byResource := make(map[string]map[string]struct{})
	for _, code := range codes {
		resource, verb := SplitPermissionCode(code)
		if verb == "" {
			continue
		}
		set, ok := byResource[resource]
		if !ok {
			set = make(map[string]struct{})
			byResource[resource] = set
		}
		set[verb] = struct{}{}
	}
	folded := make([]string, 0, len(codes))
	for resource, verbs := range byResource {
		if _, ok := verbs[wildcardVerb]; ok {
			folded = append(folded, PermissionWildcard(resource))
			continue
		}
		full := true
		for _, verb := range AllVerbs {
			if _, ok := verbs[verb]; !ok {
				full = false
				break
			}
		}
		if full {
			folded = append(folded, PermissionWildcard(resource))
			continue
		}
		for verb := range verbs {
			folded = append(folded, PermissionCode(resource, verb))
		}
	}
	sort.Strings(folded)
	return folded
}

// ScopeSatisfies reports whether the scope grants the required permission
// code, either verbatim or through the resource wildcard.
func ScopeSatisfies(scope []string, code string) bool {
	resource, _ := SplitPermissionCode(code)
	wildcard := PermissionWildcard(resource)
	for _, have := range scope {
		if have == code || have == wildcard {
			return true
		}
	}
	return false
}

// ScopeSatisfiesAll reports whether every required code is granted.
func ScopeSatisfiesAll(scope, codes []string) bool {
	for _, code := range codes {
		if !ScopeSatisfies(scope, code) {
			return false
		}
	}
	return true
}

// ScopeSatisfiesAny reports whether at least one required code is granted.
func ScopeSatisfiesAny(scope, codes []string) bool {
	for _, code := range codes {
		if ScopeSatisfies(scope, code) {
			return true
		}
	}
	return false
}
