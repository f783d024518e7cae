// Package dispatch decides, for every outbound storefront request, whether the
// answer comes from the tiered response cache, the network, or the bundled
// offline placeholder. A caller-supplied classification table maps request
// paths and content classes to a strategy (cache-first or network-first) and
// to the cache tier that stores the response.
package dispatch
