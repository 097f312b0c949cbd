// Package plans holds the immutable plan catalog: the price, token grant and
// per-tier limits for every subscription tier.
//
// # Tiers
//
// Basic (9,900 minor units/period):
//   - 1,000 tokens per period, 200 work units per day
//   - 3 character slots, 5 project slots
//
// Pro (19,900 minor units/period):
//   - 3,000 tokens per period, 600 work units per day
//   - 10 character slots, 20 project slots
//
// Studio (49,900 minor units/period):
//   - 10,000 tokens per period, 2,000 work units per day
//   - 50 character slots, 100 project slots
//
// # Usage Example
//
//	catalog := plans.DefaultCatalog()
//	plan, err := catalog.Get(plans.TierPro)
//	tokens := catalog.RequiredTokens(12, 50) // 12 units with a 50% high-resolution surcharge
//
// The table can be replaced at startup with LoadCatalog(path), which reads a YAML
// document with the same shape as the defaults.
package plans
