package service

import _ "embed"

// fallbackPricingJSON 内置兜底价格表。远端与本地文件都不可用时保证计费不空转；
// 条目会在首次远端拉取成功后被整表替换。
//
//go:embed model_pricing_fallback.json
var fallbackPricingJSON []byte
