package storage

import (
	"net/url"
	"sort"
	"strconv"
	"strings"

	"fleetd/internal/objects"
)

// buildFilter translates the query parameters of a list call into a
// WHERE/ORDER BY clause. Parameters outside the kind's registered set
// are rejected so callers cannot silently filter on nothing.
func buildFilter(kind objects.Kind, params url.Values) (string, []any, error) {
	var conds []string
	var args []any
	order := " ORDER BY created_at, name"
	var limitArgs []any
	limit := ""

	keys := make([]string, 0, len(params))
	for key := range params {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		values := params[key]
		if len(values) == 0 || values[0] == "" {
			continue
		}
		value := values[0]

		switch {
		case kind == objects.KindRobot && key == "state":
			conds = append(conds, "json_extract(status, '$.state') = ?")
			args = append(args, value)
		case kind == objects.KindRobot && key == "online":
			online, err := strconv.ParseBool(value)
			if err != nil {
				return "", nil, invalidParam(key, value)
			}
			conds = append(conds, "json_extract(status, '$.online') = ?")
			args = append(args, boolToInt(online))
		case kind == objects.KindRobot && key == "min_battery":
			level, err := strconv.ParseFloat(value, 64)
			if err != nil {
				return "", nil, invalidParam(key, value)
			}
			conds = append(conds, "json_extract(status, '$.battery_level') >= ?")
			args = append(args, level)
		case kind == objects.KindRobot && key == "max_battery":
			level, err := strconv.ParseFloat(value, 64)
			if err != nil {
				return "", nil, invalidParam(key, value)
			}
			conds = append(conds, "json_extract(status, '$.battery_level') <= ?")
			args = append(args, level)
		case kind == objects.KindRobot && key == "robot_type":
			conds = append(conds, "json_extract(status, '$.factsheet.agv_class') = ?")
			args = append(args, value)
		case kind == objects.KindRobot && key == "names":
			var names []string
			for _, v := range values {
				for _, name := range strings.Split(v, ",") {
					if name = strings.TrimSpace(name); name != "" {
						names = append(names, name)
					}
				}
			}
			if len(names) == 0 {
				continue
			}
			placeholders := strings.Repeat("?, ", len(names))
			conds = append(conds, "name IN ("+placeholders[:len(placeholders)-2]+")")
			for _, name := range names {
				args = append(args, name)
			}
		case kind == objects.KindMission && key == "state":
			conds = append(conds, "json_extract(status, '$.state') = ?")
			args = append(args, value)
		case kind == objects.KindMission && key == "robot":
			conds = append(conds, "json_extract(spec, '$.robot') = ?")
			args = append(args, value)
		case kind == objects.KindMission && key == "started_after":
			conds = append(conds, "julianday(json_extract(status, '$.start_timestamp')) >= julianday(?)")
			args = append(args, value)
		case kind == objects.KindMission && key == "started_before":
			conds = append(conds, "julianday(json_extract(status, '$.start_timestamp')) <= julianday(?)")
			args = append(args, value)
		case kind == objects.KindMission && key == "most_recent":
			n, err := strconv.Atoi(value)
			if err != nil || n < 1 {
				return "", nil, invalidParam(key, value)
			}
			order = " ORDER BY json_extract(status, '$.start_timestamp') DESC"
			limit = " LIMIT ?"
			limitArgs = append(limitArgs, n)
		default:
			return "", nil, objects.NewUsageError(
				"Unknown query parameter %q for kind %s", key, kind)
		}
	}

	clause := ""
	if len(conds) > 0 {
		clause = " WHERE " + strings.Join(conds, " AND ")
	}
	clause += order + limit
	args = append(args, limitArgs...)
	return clause, args, nil
}

func invalidParam(key, value string) error {
	return objects.NewUsageError("Invalid value %q for query parameter %q", value, key)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

