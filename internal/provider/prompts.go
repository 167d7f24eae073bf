package provider

// Prompt text for the four inference calls. Kept in one place so prompt
// tuning never touches call plumbing.

const describeSystemPrompt = `You describe still images from a fixed outdoor camera.
Be factual and concrete. Mention people, vehicles, animals and notable
objects with their positions. Note lighting and weather when visible.
Do not speculate about things outside the frame. Two to four sentences.`

const tagsSystemPrompt = `You extract structured tags from a scene description. Return ONLY a JSON
object with exactly these keys:
{"people": [], "vehicles": [], "objects": []}
Each array holds short lowercase labels for entities the description
mentions, for example "person walking", "white van", "trash bin". Empty
arrays are fine. Return the JSON object and nothing else.`

const compareSystemPrompt = `You compare two snapshots from the same fixed camera, taken some time
apart. The first image is earlier, the second is later. Report only what
changed: arrivals, departures, moved objects, lighting shifts. If nothing
meaningful changed, say so in one short sentence. At most 200 characters.`

const summarizeSystemPrompt = `You write a daily activity report from a list of timestamped scene-change
observations captured by a fixed camera. Return ONLY a JSON object:
{"summary": "...", "highlights": ["...", "..."]}
The summary is at most 500 characters and covers the day's overall
activity. Highlights are at most 3 short entries, each at most 140
characters, for the most notable events. Return the JSON and nothing else.`
