/*
Package bundle defines plugin bundles: the ordered set of configuration actions a client sends along with a spawn request, and the helpers that collect them from the client process.

A bundle is an ordered mapping from section name to positional arguments. Section names are unique and sections are applied to the worker in order. The wire form is a JSON array. Paths, environment entries and program arguments are arbitrary bytes on Linux, so they travel base64-encoded; payload names are plain strings:

	[
	  {"section": "cwd", "args": ["L2hvbWUvbWUvc3Jj"]},
	  {"section": "env", "args": [["SE9NRT0vaG9tZS9tZQ=="]]},
	  {"section": "stdio", "args": ["L3Byb2MvODEyL2ZkLzA=", "L3Byb2MvODEyL2ZkLzE=", "L3Byb2MvODEyL2ZkLzI="]},
	  {"section": "exec", "args": ["exec", ["bWFrZQ==", "dGVzdA=="]]}
	]

The set of sections is closed. Decode rejects any name it does not know, which the worker treats as a fatal configuration error.
*/
package bundle
