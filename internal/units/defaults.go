package units

// defaultCatalog covers the measurement types seen across the participating
// sites. Overrides are merged on top of it.
const defaultCatalog = `
unit_aliases:
  mg/100ml: mg/dl
  mmol: mmol/l
  umol: umol/l
  kgs: kg
  kilogram: kg
  kilograms: kg
  lbs: lb
  pound: lb
  pounds: lb
  gram: g
  grams: g
  meter: m
  meters: m
  metre: m
  centimeter: cm
  centimeters: cm
  inch: in
  inches: in
  feet: ft
  foot: ft
  celsius: c
  degc: c
  centigrade: c
  fahrenheit: f
  degf: f
  kelvin: k
  beats/min: bpm
  /min: bpm
  b/min: bpm
  mm/hg: mmhg

types:
  glucose:
    canonical: mg/dL
    aliases: [blood_glucose, glu, fasting_glucose]
    conversions:
      - {from: mmol/L, factor: 18.0182}
  cholesterol:
    canonical: mg/dL
    aliases: [total_cholesterol, chol]
    conversions:
      - {from: mmol/L, factor: 38.67}
  weight:
    canonical: kg
    aliases: [body_weight, wt]
    conversions:
      - {from: lb, factor: 0.45359237}
      - {from: g, factor: 0.001}
      - {from: oz, factor: 0.028349523125}
  height:
    canonical: cm
    aliases: [body_height, ht]
    conversions:
      - {from: m, factor: 100}
      - {from: mm, factor: 0.1}
      - {from: in, factor: 2.54}
      - {from: ft, factor: 30.48}
  temperature:
    canonical: C
    aliases: [body_temperature, temp]
    conversions:
      - {from: F, factor: 0.5555555555555556, offset: -17.77777777777778}
      - {from: K, factor: 1, offset: -273.15}
  systolic_bp:
    canonical: mmHg
    aliases: [systolic, sbp, systolic_blood_pressure]
    conversions:
      - {from: kPa, factor: 7.50062}
  diastolic_bp:
    canonical: mmHg
    aliases: [diastolic, dbp, diastolic_blood_pressure]
    conversions:
      - {from: kPa, factor: 7.50062}
  heart_rate:
    canonical: bpm
    aliases: [pulse, hr, pulse_rate]
    conversions:
      - {from: hz, factor: 60}
  hemoglobin:
    canonical: g/dL
    aliases: [hgb, hb, haemoglobin]
    conversions:
      - {from: g/L, factor: 0.1}
      - {from: mmol/L, factor: 1.611}
  creatinine:
    canonical: mg/dL
    aliases: [creat, serum_creatinine]
    conversions:
      - {from: umol/L, factor: 0.011309658}
  oxygen_saturation:
    canonical: "%"
    aliases: [spo2, o2_saturation]
`
