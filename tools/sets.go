package tools

import "github.com/fxsml/replynode/dispatch"

// Counter returns the counter commands. The counter never changes.
func Counter() []dispatch.Command {
	return []dispatch.Command{
		{
			Name:        "counter_increment",
			Description: "Increment the counter",
			InputSchema: emptySchema(),
			Build:       dispatch.Text("1"),
		},
		{
			Name:        "counter_decrement",
			Description: "Decrement the counter",
			InputSchema: emptySchema(),
			Build:       dispatch.Text("-1"),
		},
		{
			Name:        "counter_get_value",
			Description: "Get the current counter value",
			InputSchema: emptySchema(),
			Build:       dispatch.Text("0"),
		},
	}
}

// Local returns the local information commands.
func Local() []dispatch.Command {
	return []dispatch.Command{
		{
			Name:        "tallest_building",
			Description: "Find the tallest building in a location",
			InputSchema: locationSchema(),
			Build:       dispatch.Location("tallest building in {location} is aaaaaa"),
		},
		{
			Name:        "best_restaurant",
			Description: "Find the best restaurant in a location",
			InputSchema: locationSchema(),
			Build:       dispatch.Text(`{"restaurant":"Taotie Refuses to Leave","people":888}`),
		},
		{
			Name:        "happiest_kindergarten",
			Description: "Find the happiest kindergarten in a location",
			InputSchema: locationSchema(),
			Build:       dispatch.Text(`{"kindergarten":"Golden Sun Kindergarten","children":300}`),
		},
	}
}

// Telepathy returns the telepathy command, which knows the user's
// favorite star and movie.
func Telepathy() []dispatch.Command {
	return []dispatch.Command{
		{
			Name:        "telepathy",
			Description: "Read the user's favorite star and movie",
			InputSchema: emptySchema(),
			Build:       dispatch.Text(`{"star":"Tom Hanks","movie":"Forrest Gump"}`),
		},
	}
}
