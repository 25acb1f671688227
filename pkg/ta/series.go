package ta

import "github.com/markcheno/go-talib"

func Last(s []float64, position int) float64 {
	return s[len(s)-1-position]
}

func LastValues(s []float64, size int) []float64 {
	if l := len(s); l > size {
		return s[l-size:]
	}
	return s
}

// SMA 简单移动平均，返回最后一个有效值
// 数据长度不足一个周期时退化为全量算术平均
func SMA(closes []float64, period int) float64 {
	if len(closes) == 0 {
		return 0
	}
	if len(closes) < period {
		var sum float64
		for _, v := range closes {
			sum += v
		}
		return sum / float64(len(closes))
	}
	series := talib.Sma(closes, period)
	return Last(series, 0)
}
